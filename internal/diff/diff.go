// Package diff defines the DiffSet model shared by the git collaborator,
// the analyzer, and the session broker.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
)

// FileStatus describes what happened to a file in a diff.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// Stage marks which side of the index a working-copy file belongs to.
// Empty for ref-based diffs where each path appears at most once.
type Stage string

const (
	StageStaged   Stage = "staged"
	StageUnstaged Stage = "unstaged"
)

// Hunk is a single contiguous change region within a file.
type Hunk struct {
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Header   string `json:"header,omitempty"`
	Body     string `json:"body"`
}

// FileDiff is one file's worth of changes.
type FileDiff struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"oldPath,omitempty"` // set for renames
	Status    FileStatus `json:"status"`
	Hunks     []Hunk     `json:"hunks,omitempty"`
	Language  string     `json:"language,omitempty"`
	Binary    bool       `json:"binary,omitempty"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Stage     Stage      `json:"stage,omitempty"`
}

// Key returns the file's identity within a DiffSet. Working-copy diffs can
// legitimately contain the same path twice (staged and unstaged), so the
// stage is part of the identity when set. All file comparison and lookup
// must go through Key, never bare Path.
func (f FileDiff) Key() string {
	if f.Stage != "" {
		return string(f.Stage) + ":" + f.Path
	}
	return f.Path
}

// DiffSet is a complete diff between two refs (or a ref and the working copy).
type DiffSet struct {
	BaseRef string     `json:"baseRef"`
	HeadRef string     `json:"headRef"`
	Files   []FileDiff `json:"files"`
}

// TotalAdditions sums additions across all files.
func (d *DiffSet) TotalAdditions() int {
	n := 0
	for _, f := range d.Files {
		n += f.Additions
	}
	return n
}

// TotalDeletions sums deletions across all files.
func (d *DiffSet) TotalDeletions() int {
	n := 0
	for _, f := range d.Files {
		n += f.Deletions
	}
	return n
}

// Hash returns a stable content fingerprint for raw diff text. Two polls
// that produce identical text always produce the same hash.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ChangedFiles compares two file sets keyed by file identity and returns the
// keys that changed: newly present, newly absent, or present in both with
// different addition/deletion counts. A nil old set means everything in new
// is changed. Order follows the new set, with removed keys appended in old
// set order.
func ChangedFiles(old, new *DiffSet) []string {
	var changed []string

	oldByKey := make(map[string]FileDiff)
	if old != nil {
		for _, f := range old.Files {
			oldByKey[f.Key()] = f
		}
	}

	newKeys := make(map[string]bool)
	if new != nil {
		for _, f := range new.Files {
			key := f.Key()
			newKeys[key] = true
			prev, ok := oldByKey[key]
			if !ok || prev.Additions != f.Additions || prev.Deletions != f.Deletions {
				changed = append(changed, key)
			}
		}
	}

	if old != nil {
		for _, f := range old.Files {
			if !newKeys[f.Key()] {
				changed = append(changed, f.Key())
			}
		}
	}

	return changed
}
