package daemon

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestHistoryRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := NewHistoryLog(path)
	if err != nil {
		t.Fatalf("NewHistoryLog: %v", err)
	}
	defer h.Close()

	h.Record(Session{ID: "review-1", ProjectPath: "/p"}, &ReviewResult{
		Decision: DecisionApproved,
		Comments: []ReviewComment{{Body: "lgtm"}},
		Summary:  "looks fine",
	})
	h.Record(Session{ID: "review-2", ProjectPath: "/q", DiffRef: "main"}, &ReviewResult{
		Decision: DecisionChangesRequested,
	})

	recent := h.Recent()
	if len(recent) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(recent))
	}
	// Newest first.
	if recent[0].SessionID != "review-2" || recent[1].SessionID != "review-1" {
		t.Errorf("order: %s, %s", recent[0].SessionID, recent[1].SessionID)
	}
	if recent[1].Comments != 1 || recent[1].Summary != "looks fine" {
		t.Errorf("entry: %+v", recent[1])
	}
	if recent[0].DiffRef != "main" {
		t.Errorf("DiffRef = %q", recent[0].DiffRef)
	}

	if got := h.RecentN(1); len(got) != 1 || got[0].SessionID != "review-2" {
		t.Errorf("RecentN(1) = %v", got)
	}
	if got := h.RecentN(0); got != nil {
		t.Errorf("RecentN(0) = %v, want nil", got)
	}
}

func TestHistoryWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := NewHistoryLog(path)
	if err != nil {
		t.Fatalf("NewHistoryLog: %v", err)
	}

	h.Record(Session{ID: "review-1", ProjectPath: "/p"}, &ReviewResult{Decision: DecisionApproved})
	h.Record(Session{ID: "review-2", ProjectPath: "/q"}, &ReviewResult{Decision: DecisionDismissed})
	h.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestHistoryIgnoresNilResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := NewHistoryLog(path)
	if err != nil {
		t.Fatalf("NewHistoryLog: %v", err)
	}
	defer h.Close()

	h.Record(Session{ID: "review-1"}, nil)
	if got := h.Recent(); got != nil {
		t.Errorf("Recent = %v, want nil", got)
	}
}

func TestHistoryTruncatesOversizedFileOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")

	big := make([]byte, maxHistorySize+1)
	if err := os.WriteFile(path, big, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := NewHistoryLog(path)
	if err != nil {
		t.Fatalf("NewHistoryLog: %v", err)
	}
	defer h.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > maxHistorySize {
		t.Errorf("size = %d, oversized file should have been removed", info.Size())
	}
}
