// Package analyze turns a DiffSet into a review briefing: triage level,
// complexity estimate, and pattern findings. Analyze is a pure function with
// no side effects; the broker calls it on session creation and on every
// live-watch tick, so it must be cheap and deterministic.
package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CodeJonesW/diffprism/internal/diff"
)

// Triage levels order reviews by how much attention they deserve.
const (
	TriageLow    = "low"
	TriageMedium = "medium"
	TriageHigh   = "high"
)

// Finding is one pattern the analyzer flagged.
type Finding struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"` // info, warning
	File        string `json:"file,omitempty"`
	Description string `json:"description"`
}

// FileNote is the per-file slice of the briefing.
type FileNote struct {
	Key       string `json:"key"`
	Language  string `json:"language,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Briefing is the analyzer's derived summary for a DiffSet.
type Briefing struct {
	Summary         string     `json:"summary"`
	Triage          string     `json:"triage"`
	ComplexityScore int        `json:"complexityScore"`
	FilesChanged    int        `json:"filesChanged"`
	TotalAdditions  int        `json:"totalAdditions"`
	TotalDeletions  int        `json:"totalDeletions"`
	Findings        []Finding  `json:"findings,omitempty"`
	Files           []FileNote `json:"files,omitempty"`
}

const (
	largeFileThreshold = 300 // changed lines in one file
	largeDiffThreshold = 800 // changed lines across the diff
)

// sensitivePathFragments flag configuration and credential-adjacent files.
var sensitivePathFragments = []string{
	".env", "secret", "credential", "password", "token",
	"Dockerfile", "docker-compose", ".github/workflows",
}

// Analyze produces a briefing for the given diff. Nil or empty input yields
// an empty briefing rather than an error.
func Analyze(ds *diff.DiffSet) *Briefing {
	b := &Briefing{Triage: TriageLow}
	if ds == nil || len(ds.Files) == 0 {
		b.Summary = "No changes."
		return b
	}

	b.FilesChanged = len(ds.Files)
	b.TotalAdditions = ds.TotalAdditions()
	b.TotalDeletions = ds.TotalDeletions()

	for _, f := range ds.Files {
		b.Files = append(b.Files, FileNote{
			Key:       f.Key(),
			Language:  f.Language,
			Additions: f.Additions,
			Deletions: f.Deletions,
		})
		b.Findings = append(b.Findings, fileFindings(f)...)
	}

	// Deterministic finding order regardless of map iteration upstream.
	sort.SliceStable(b.Findings, func(i, j int) bool {
		if b.Findings[i].File != b.Findings[j].File {
			return b.Findings[i].File < b.Findings[j].File
		}
		return b.Findings[i].Type < b.Findings[j].Type
	})

	b.ComplexityScore = complexityScore(ds)
	b.Triage = triage(b)
	b.Summary = summaryLine(b)
	return b
}

func fileFindings(f diff.FileDiff) []Finding {
	var findings []Finding

	if f.Additions+f.Deletions >= largeFileThreshold {
		findings = append(findings, Finding{
			Type:        "large_file_change",
			Severity:    "warning",
			File:        f.Key(),
			Description: fmt.Sprintf("%d changed lines in one file", f.Additions+f.Deletions),
		})
	}

	if f.Status == diff.StatusDeleted && isTestFile(f.Path) {
		findings = append(findings, Finding{
			Type:        "test_deleted",
			Severity:    "warning",
			File:        f.Key(),
			Description: "test file deleted",
		})
	}

	lower := strings.ToLower(f.Path)
	for _, frag := range sensitivePathFragments {
		if strings.Contains(lower, strings.ToLower(frag)) {
			findings = append(findings, Finding{
				Type:        "sensitive_path",
				Severity:    "warning",
				File:        f.Key(),
				Description: fmt.Sprintf("touches sensitive path (%s)", frag),
			})
			break
		}
	}

	if n := countTODOs(f); n > 0 {
		findings = append(findings, Finding{
			Type:        "todo_added",
			Severity:    "info",
			File:        f.Key(),
			Description: fmt.Sprintf("%d TODO/FIXME added", n),
		})
	}

	return findings
}

func isTestFile(path string) bool {
	base := strings.ToLower(path)
	return strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(base, "/tests/") ||
		strings.HasPrefix(base, "tests/")
}

func countTODOs(f diff.FileDiff) int {
	n := 0
	for _, h := range f.Hunks {
		for _, line := range strings.Split(h.Body, "\n") {
			if !strings.HasPrefix(line, "+") {
				continue
			}
			if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
				n++
			}
		}
	}
	return n
}

// complexityScore is a 0-100 heuristic from change volume and spread.
func complexityScore(ds *diff.DiffSet) int {
	lines := ds.TotalAdditions() + ds.TotalDeletions()
	score := lines / 20
	score += len(ds.Files) * 2

	hunks := 0
	for _, f := range ds.Files {
		hunks += len(f.Hunks)
	}
	score += hunks

	if score > 100 {
		score = 100
	}
	return score
}

func triage(b *Briefing) string {
	warnings := 0
	for _, f := range b.Findings {
		if f.Severity == "warning" {
			warnings++
		}
	}

	lines := b.TotalAdditions + b.TotalDeletions
	switch {
	case warnings >= 2 || lines >= largeDiffThreshold:
		return TriageHigh
	case warnings == 1 || lines >= largeFileThreshold || b.FilesChanged > 10:
		return TriageMedium
	default:
		return TriageLow
	}
}

func summaryLine(b *Briefing) string {
	noun := "files"
	if b.FilesChanged == 1 {
		noun = "file"
	}
	s := fmt.Sprintf("%d %s changed, +%d/-%d", b.FilesChanged, noun, b.TotalAdditions, b.TotalDeletions)
	if len(b.Findings) > 0 {
		s += fmt.Sprintf(", %d finding(s)", len(b.Findings))
	}
	return s
}
