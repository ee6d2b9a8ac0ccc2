package daemon

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/diff"
	"github.com/CodeJonesW/diffprism/internal/git"
)

// DiffFunc computes a diff for a project path and ref. Injected so tests
// don't need a real repository.
type DiffFunc func(projectPath, ref string) (*git.Result, error)

// AnalyzeFunc turns a diff set into a briefing.
type AnalyzeFunc func(*diff.DiffSet) *analyze.Briefing

// diffErrorThreshold is how many consecutive failed polls it takes before a
// viewer is told its diff is stale. Isolated failures (git mid-rebase) are
// swallowed and the tick skipped.
const diffErrorThreshold = 3

// WatcherSupervisor owns one polling goroutine per live session. Watchers
// run only while at least one connection exists anywhere in the daemon,
// which bounds background git invocations to when someone could be looking.
type WatcherSupervisor struct {
	store     *Store
	hub       *Hub
	diffFn    DiffFunc
	analyzeFn AnalyzeFunc
	interval  time.Duration

	mu       sync.Mutex
	watchers map[string]*watcher
	active   int // current connection count
}

type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcherSupervisor creates a supervisor; it starts nothing until a
// connection arrives.
func NewWatcherSupervisor(store *Store, hub *Hub, diffFn DiffFunc, analyzeFn AnalyzeFunc, interval time.Duration) *WatcherSupervisor {
	return &WatcherSupervisor{
		store:     store,
		hub:       hub,
		diffFn:    diffFn,
		analyzeFn: analyzeFn,
		interval:  interval,
		watchers:  make(map[string]*watcher),
	}
}

// ConnectionsChanged is called by the hub on every connect and disconnect.
// The first connection starts watchers for all live sessions; the last
// disconnect stops them all.
func (s *WatcherSupervisor) ConnectionsChanged(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := s.active > 0
	s.active = n

	switch {
	case n > 0 && !wasActive:
		for _, sess := range s.store.LiveSessions() {
			s.startLocked(sess.ID, false)
		}
	case n == 0 && wasActive:
		s.stopAllLocked()
	}
}

// SessionCreated starts a watcher for a new live session if viewers exist.
func (s *WatcherSupervisor) SessionCreated(sess Session) {
	if !sess.Live() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.startLocked(sess.ID, false)
	}
}

// SessionRemoved stops the session's watcher, if any. Safe to call for
// sessions that never had one.
func (s *WatcherSupervisor) SessionRemoved(sessionID string) {
	s.mu.Lock()
	w, ok := s.watchers[sessionID]
	if ok {
		delete(s.watchers, sessionID)
	}
	s.mu.Unlock()

	if ok {
		w.cancel()
	}
}

// ChangeRef re-targets a session's watched ref and polls immediately so the
// viewer isn't left looking at the old comparison for a full interval.
func (s *WatcherSupervisor) ChangeRef(sessionID, ref string) {
	if _, ok := s.store.SetDiffRef(sessionID, ref); !ok {
		return
	}

	s.mu.Lock()
	if w, ok := s.watchers[sessionID]; ok {
		delete(s.watchers, sessionID)
		w.cancel()
	}
	restart := s.active > 0
	if restart {
		s.startLocked(sessionID, true)
	}
	s.mu.Unlock()
}

// StopAll cancels every watcher and waits for in-flight ticks to finish.
func (s *WatcherSupervisor) StopAll() {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[string]*watcher)
	s.mu.Unlock()

	for _, w := range watchers {
		w.cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
}

// WatcherCount returns the number of running watchers (for tests).
func (s *WatcherSupervisor) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// startLocked starts a watcher for the session. Idempotent; caller holds mu.
func (s *WatcherSupervisor) startLocked(sessionID string, pollNow bool) {
	if _, running := s.watchers[sessionID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	s.watchers[sessionID] = w
	go s.run(ctx, sessionID, pollNow, w.done)
}

func (s *WatcherSupervisor) stopAllLocked() {
	for id, w := range s.watchers {
		w.cancel()
		delete(s.watchers, id)
	}
}

// run is one session's poll loop. Ticks execute sequentially in this
// goroutine, so a slow git invocation delays only this session.
func (s *WatcherSupervisor) run(ctx context.Context, sessionID string, pollNow bool, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	fails := 0
	if pollNow {
		s.poll(sessionID, &fails)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.poll(sessionID, &fails)
		}
	}
}

func (s *WatcherSupervisor) poll(sessionID string, fails *int) {
	projectPath, ref, prevHash, prevSet, ok := s.store.DiffState(sessionID)
	if !ok || ref == "" {
		return
	}

	res, err := s.diffFn(projectPath, ref)
	if err != nil {
		// Transient failure (e.g. rebase in progress): skip the tick.
		// Only after several in a row does the viewer learn the diff is
		// stale, so the UI shows staleness instead of going quiet.
		*fails++
		if *fails == diffErrorThreshold {
			log.Printf("Watcher %s: %d consecutive diff failures: %v", sessionID, *fails, err)
			s.hub.SendToSession(sessionID, DiffError{
				Type:      EventDiffError,
				SessionID: sessionID,
				Error:     err.Error(),
			})
		}
		return
	}
	*fails = 0

	hash := diff.Hash(res.Raw)
	if hash == prevHash {
		return
	}

	briefing := s.analyzeFn(res.DiffSet)
	changed := diff.ChangedFiles(prevSet, res.DiffSet)
	payload := &SessionPayload{
		DiffSet:  res.DiffSet,
		RawDiff:  res.Raw,
		Briefing: briefing,
	}

	snap, applied := s.store.ApplyDiff(sessionID, payload, hash, time.Now())
	if !applied {
		return
	}

	if s.hub.SessionHasViewer(sessionID) {
		s.hub.SendToSession(sessionID, DiffUpdate{
			Type:         EventDiffUpdate,
			SessionID:    sessionID,
			DiffSet:      res.DiffSet,
			RawDiff:      res.Raw,
			Briefing:     briefing,
			ChangedFiles: changed,
			UpdatedAt:    snap.UpdatedAt,
		})
		if snap.HasNewChanges {
			s.store.SetHasNewChanges(sessionID, false)
		}
		return
	}

	// Nobody is looking: badge it so the overview shows there is
	// something new.
	if snap, ok := s.store.SetHasNewChanges(sessionID, true); ok {
		s.hub.BroadcastAll(SessionEvent{Type: EventSessionUpdated, Session: snap.Summary()})
	}
}
