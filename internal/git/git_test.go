package git

import (
	"strings"
	"testing"

	"github.com/CodeJonesW/diffprism/internal/diff"
	"github.com/CodeJonesW/diffprism/internal/testutil"
)

func TestWorkingCopyDiffSeparatesStages(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")

	repo.StageFile("a.txt", "one\ntwo\n")
	repo.WriteFile("a.txt", "one\ntwo\nthree\n")

	res, err := Diff(repo.Path(), WorkingRef)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if len(res.DiffSet.Files) != 2 {
		t.Fatalf("files = %d, want staged + unstaged entries", len(res.DiffSet.Files))
	}

	keys := map[string]bool{}
	for _, f := range res.DiffSet.Files {
		keys[f.Key()] = true
	}
	if !keys["staged:a.txt"] || !keys["unstaged:a.txt"] {
		t.Errorf("keys = %v, want staged:a.txt and unstaged:a.txt", keys)
	}

	if res.Raw == "" {
		t.Error("raw diff should not be empty")
	}
	if res.DiffSet.BaseRef != "HEAD" || res.DiffSet.HeadRef != WorkingRef {
		t.Errorf("refs = %s..%s", res.DiffSet.BaseRef, res.DiffSet.HeadRef)
	}
}

func TestDiffAgainstRef(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")
	first := repo.HeadSHA()
	repo.CommitFile("b.txt", "hello\n", "add b")
	repo.WriteFile("a.txt", "one\nmodified\n")

	res, err := Diff(repo.Path(), first)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	paths := map[string]diff.FileStatus{}
	for _, f := range res.DiffSet.Files {
		paths[f.Path] = f.Status
		if f.Stage != "" {
			t.Errorf("ref diff should not tag stages, got %q for %s", f.Stage, f.Path)
		}
	}
	if paths["b.txt"] != diff.StatusAdded {
		t.Errorf("b.txt status = %q, want added", paths["b.txt"])
	}
	if paths["a.txt"] != diff.StatusModified {
		t.Errorf("a.txt status = %q, want modified", paths["a.txt"])
	}
}

func TestDiffCleanTreeIsEmpty(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")

	res, err := Diff(repo.Path(), WorkingRef)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.DiffSet.Files) != 0 {
		t.Errorf("clean tree produced %d files", len(res.DiffSet.Files))
	}
	if res.Raw != "" {
		t.Errorf("raw = %q, want empty", res.Raw)
	}
}

func TestDiffBadRefFailsCleanly(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")

	if _, err := Diff(repo.Path(), "no-such-ref"); err == nil {
		t.Error("bad ref should return an error")
	}
}

func TestCurrentBranch(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")

	if got := CurrentBranch(repo.Path()); got != "main" {
		t.Errorf("CurrentBranch = %q, want main", got)
	}

	// Detached HEAD reports empty.
	repo.Run("checkout", "--detach", "HEAD")
	if got := CurrentBranch(repo.Path()); got != "" {
		t.Errorf("detached CurrentBranch = %q, want empty", got)
	}
}

func TestListBranches(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")
	repo.Run("branch", "feature")

	branches, err := ListBranches(repo.Path())
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}

	found := map[string]bool{}
	for _, b := range branches.Local {
		found[b] = true
	}
	if !found["main"] || !found["feature"] {
		t.Errorf("local branches = %v", branches.Local)
	}
	if len(branches.Remote) != 0 {
		t.Errorf("remote branches = %v, want none", branches.Remote)
	}
}

func TestListCommits(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "first commit")
	repo.CommitFile("b.txt", "two\n", "second commit")

	commits, err := ListCommits(repo.Path(), 10)
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
	if commits[0].Subject != "second commit" {
		t.Errorf("newest subject = %q", commits[0].Subject)
	}
	if commits[0].Hash == "" || commits[0].ShortHash == "" {
		t.Error("hashes should be populated")
	}
	if !strings.HasPrefix(commits[0].Hash, commits[0].ShortHash) {
		t.Errorf("short hash %q is not a prefix of %q", commits[0].ShortHash, commits[0].Hash)
	}
	if commits[0].Author != "Test" {
		t.Errorf("author = %q", commits[0].Author)
	}
	if commits[0].Date.IsZero() {
		t.Error("date should parse")
	}

	limited, err := ListCommits(repo.Path(), 1)
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited commits = %d, want 1", len(limited))
	}
}

func TestRepoRoot(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("a.txt", "one\n", "initial")

	root, err := RepoRoot(repo.Path())
	if err != nil {
		t.Fatalf("RepoRoot: %v", err)
	}
	if root != repo.Path() {
		t.Errorf("RepoRoot = %q, want %q", root, repo.Path())
	}

	if _, err := RepoRoot(t.TempDir()); err == nil {
		t.Error("non-repo directory should return an error")
	}
}
