// Package git shells out to the git binary to compute diffs and list refs.
// Every function fails with a returned error, never a panic, so callers can
// retry when the working tree is mid-operation (rebase, merge).
package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/CodeJonesW/diffprism/internal/diff"
)

// Result pairs a parsed DiffSet with the raw diff text it came from.
// The raw text is what gets fingerprinted for change detection.
type Result struct {
	DiffSet *diff.DiffSet
	Raw     string
}

// WorkingRef is the pseudo-ref meaning "diff the working copy against the
// index and HEAD", producing staged and unstaged file groups.
const WorkingRef = "working"

func runGit(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return string(out), nil
}

// Diff computes the diff for ref against the working tree. An empty ref or
// WorkingRef produces a working-copy diff with staged and unstaged entries
// tagged separately; any other ref is compared via `git diff <ref>`.
func Diff(repoPath, ref string) (*Result, error) {
	if ref == "" || ref == WorkingRef {
		return workingCopyDiff(repoPath)
	}

	raw, err := runGit(repoPath, "diff", ref, "--")
	if err != nil {
		return nil, err
	}

	files, err := parseRawDiff(raw, "")
	if err != nil {
		return nil, fmt.Errorf("parse diff for %s: %w", ref, err)
	}

	return &Result{
		DiffSet: &diff.DiffSet{BaseRef: ref, HeadRef: WorkingRef, Files: files},
		Raw:     raw,
	}, nil
}

// workingCopyDiff groups staged and unstaged changes. The same path can
// appear in both groups, which is why file identity includes the stage.
func workingCopyDiff(repoPath string) (*Result, error) {
	staged, err := runGit(repoPath, "diff", "--cached", "--")
	if err != nil {
		return nil, err
	}
	unstaged, err := runGit(repoPath, "diff", "--")
	if err != nil {
		return nil, err
	}

	stagedFiles, err := parseRawDiff(staged, diff.StageStaged)
	if err != nil {
		return nil, fmt.Errorf("parse staged diff: %w", err)
	}
	unstagedFiles, err := parseRawDiff(unstaged, diff.StageUnstaged)
	if err != nil {
		return nil, fmt.Errorf("parse unstaged diff: %w", err)
	}

	return &Result{
		DiffSet: &diff.DiffSet{
			BaseRef: "HEAD",
			HeadRef: WorkingRef,
			Files:   append(stagedFiles, unstagedFiles...),
		},
		Raw: staged + unstaged,
	}, nil
}

// CurrentBranch returns the checked-out branch name, or empty string on a
// detached HEAD or any git failure.
func CurrentBranch(repoPath string) string {
	out, err := runGit(repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return ""
	}
	return branch
}

// Branches holds local and remote branch names.
type Branches struct {
	Local  []string `json:"local"`
	Remote []string `json:"remote"`
}

// ListBranches returns local and remote branch names.
func ListBranches(repoPath string) (*Branches, error) {
	local, err := runGit(repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	remote, err := runGit(repoPath, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	b := &Branches{}
	for _, line := range strings.Split(strings.TrimSpace(local), "\n") {
		if line != "" {
			b.Local = append(b.Local, line)
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(remote), "\n") {
		// Skip symbolic entries like origin/HEAD -> origin/main
		if line == "" || strings.Contains(line, "->") {
			continue
		}
		b.Remote = append(b.Remote, line)
	}
	return b, nil
}

// Commit is one entry from the recent-commit listing.
type Commit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author"`
	Date      time.Time `json:"date"`
}

// ListCommits returns up to limit recent commits, newest first.
func ListCommits(repoPath string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}

	// Record separator (ASCII 30) delimits fields; it cannot appear in
	// commit subjects or author names.
	const rs = "\x1e"
	out, err := runGit(repoPath, "log", fmt.Sprintf("-%d", limit),
		"--format=%H"+rs+"%h"+rs+"%s"+rs+"%an"+rs+"%aI")
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, rs, 5)
		if len(parts) < 5 {
			continue
		}
		date, err := time.Parse(time.RFC3339, parts[4])
		if err != nil {
			date = time.Time{}
		}
		commits = append(commits, Commit{
			Hash:      parts[0],
			ShortHash: parts[1],
			Subject:   parts[2],
			Author:    parts[3],
			Date:      date,
		})
	}
	return commits, nil
}

// RepoRoot returns the repository's top-level directory.
func RepoRoot(path string) (string, error) {
	out, err := runGit(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
