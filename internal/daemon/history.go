package daemon

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CodeJonesW/diffprism/internal/config"
)

// HistoryEntry is one completed review as recorded in the history ledger.
type HistoryEntry struct {
	Timestamp   time.Time `json:"ts"`
	SessionID   string    `json:"sessionId"`
	ProjectPath string    `json:"projectPath"`
	DiffRef     string    `json:"diffRef,omitempty"`
	Decision    Decision  `json:"decision"`
	Comments    int       `json:"comments"`
	Summary     string    `json:"summary,omitempty"`
}

// HistoryLog appends completed reviews to a JSONL file and keeps an
// in-memory ring of recent entries. Sessions themselves are ephemeral; this
// ledger is the only thing that survives a restart.
type HistoryLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	recent    []HistoryEntry
	maxRecent int
	writeIdx  int
	count     int
}

const historyCapacity = 200

// maxHistorySize is the threshold at which the ledger is truncated on open.
// Entries are ~200 bytes, so 2MB holds far more reviews than anyone scrolls.
const maxHistorySize = 2 * 1024 * 1024

// NewHistoryLog opens (creating if needed) the history ledger at path.
// An oversized existing file is removed first.
func NewHistoryLog(path string) (*HistoryLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if err := removeIfOversized(path, maxHistorySize); err != nil {
		log.Printf("History log: failed to truncate %s: %v", path, err)
	}

	file, err := os.OpenFile(
		path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644,
	)
	if err != nil {
		return nil, err
	}

	return &HistoryLog{
		file:      file,
		path:      path,
		recent:    make([]HistoryEntry, historyCapacity),
		maxRecent: historyCapacity,
	}, nil
}

// DefaultHistoryPath returns the default path for the history ledger.
func DefaultHistoryPath() string {
	return filepath.Join(config.DataDir(), "history.jsonl")
}

// Record appends one completed review to the ledger.
func (h *HistoryLog) Record(s Session, r *ReviewResult) {
	if r == nil {
		return
	}
	entry := HistoryEntry{
		Timestamp:   time.Now(),
		SessionID:   s.ID,
		ProjectPath: s.ProjectPath,
		DiffRef:     s.DiffRef,
		Decision:    r.Decision,
		Comments:    len(r.Comments),
		Summary:     r.Summary,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			_, _ = h.file.Write(data)
			_, _ = h.file.Write([]byte("\n"))
		}
	}

	h.recent[h.writeIdx] = entry
	h.writeIdx = (h.writeIdx + 1) % h.maxRecent
	if h.count < h.maxRecent {
		h.count++
	}
}

// Recent returns all buffered entries, newest first.
func (h *HistoryLog) Recent() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	result := make([]HistoryEntry, h.count)
	readIdx := (h.writeIdx - 1 + h.maxRecent) % h.maxRecent
	for i := range h.count {
		result[i] = h.recent[readIdx]
		readIdx = (readIdx - 1 + h.maxRecent) % h.maxRecent
	}
	return result
}

// RecentN returns up to n most recent entries, newest first.
func (h *HistoryLog) RecentN(n int) []HistoryEntry {
	if n <= 0 {
		return nil
	}
	all := h.Recent()
	if len(all) <= n {
		return all
	}
	return all[:n]
}

// Close closes the ledger file.
func (h *HistoryLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		err := h.file.Close()
		h.file = nil
		return err
	}
	return nil
}

// removeIfOversized removes the file at path if it exceeds limit bytes.
func removeIfOversized(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // File doesn't exist or can't stat, nothing to do.
	}
	if info.Size() > limit {
		return os.Remove(path)
	}
	return nil
}
