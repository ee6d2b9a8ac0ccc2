package daemon

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeJonesW/diffprism/internal/diff"
)

// Store is the authoritative map of session id to session record. Three
// independent sources mutate sessions concurrently (HTTP handlers, WS
// message handlers, diff watchers), so every access goes through the mutex.
// Methods return value snapshots; shared pointers (payload, result) are
// replaced wholesale, never mutated in place.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// results outlive their sessions so a dismissed or swept session's
	// outcome stays pollable by a caller that only has the id.
	results map[string]cachedResult

	onRemoved []func(Session)

	newID func() string
	now   func() time.Time
}

type cachedResult struct {
	result *ReviewResult
	at     time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		results:  make(map[string]cachedResult),
		newID:    newSessionID,
		now:      time.Now,
	}
}

func newSessionID() string {
	return "review-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// OnRemoved registers a hook fired (outside the store lock) whenever a
// session is removed: explicit delete, dismiss, or TTL sweep. Register all
// hooks before the store starts serving traffic.
func (st *Store) OnRemoved(fn func(Session)) {
	st.onRemoved = append(st.onRemoved, fn)
}

func (st *Store) fireRemoved(snaps []Session) {
	for _, snap := range snaps {
		for _, fn := range st.onRemoved {
			fn(snap)
		}
	}
}

// Create adds a session, or reuses the existing one for the same project
// path: payload replaced, status reset to pending, result cleared, id kept.
// Returns the session snapshot and whether it was reused.
func (st *Store) Create(payload *SessionPayload, projectPath, diffRef string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()

	for _, s := range st.sessions {
		if s.ProjectPath != projectPath {
			continue
		}
		s.Payload = payload
		s.Status = StatusPending
		s.Result = nil
		s.DiffRef = diffRef
		s.HasNewChanges = false
		s.UpdatedAt = now
		s.PolledAt = now
		if payload != nil {
			s.LastDiffHash = diff.Hash(payload.RawDiff)
		}
		// A new generation of the session invalidates any prior outcome.
		delete(st.results, s.ID)
		return *s, true
	}

	s := &Session{
		ID:          st.newID(),
		ProjectPath: projectPath,
		Payload:     payload,
		Status:      StatusPending,
		DiffRef:     diffRef,
		CreatedAt:   now,
		UpdatedAt:   now,
		PolledAt:    now,
	}
	if payload != nil {
		s.LastDiffHash = diff.Hash(payload.RawDiff)
	}
	st.sessions[s.ID] = s
	return *s, false
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns summaries of all sessions, oldest first.
func (st *Store) List() []SessionSummary {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]SessionSummary, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LiveSessions returns snapshots of sessions that have a diff watcher ref.
func (st *Store) LiveSessions() []Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []Session
	for _, s := range st.sessions {
		if s.Live() {
			out = append(out, *s)
		}
	}
	return out
}

// Count returns the number of sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// MarkInReview transitions a pending session to in_review (first viewer
// attach) and clears the new-changes badge.
func (st *Store) MarkInReview(id string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	if s.Status == StatusPending {
		s.Status = StatusInReview
	}
	s.HasNewChanges = false
	s.UpdatedAt = st.now()
	return *s, true
}

// SetResult records the reviewer's decision. A dismissed decision removes
// the session (the removal hook broadcasts session:removed); any other
// decision transitions it to submitted. Either way the result is cached so
// it stays retrievable by id.
func (st *Store) SetResult(id string, r *ReviewResult) (Session, bool) {
	st.mu.Lock()

	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return Session{}, false
	}

	now := st.now()
	s.Result = r
	s.UpdatedAt = now
	st.results[id] = cachedResult{result: r, at: now}

	if r.Decision == DecisionDismissed {
		delete(st.sessions, id)
		snap := *s
		st.mu.Unlock()
		st.fireRemoved([]Session{snap})
		return snap, true
	}

	s.Status = StatusSubmitted
	snap := *s
	st.mu.Unlock()
	return snap, true
}

// GetResult returns the session's result and status. Before submission the
// result is nil with the current status; after the session is gone (dismiss
// or sweep) the cached result is returned as submitted.
func (st *Store) GetResult(id string) (*ReviewResult, SessionStatus, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s.Result, s.Status, true
	}
	if c, ok := st.results[id]; ok {
		return c.result, StatusSubmitted, true
	}
	return nil, "", false
}

// UpdateContext patches the session's reasoning/title/description. Empty
// fields in the patch leave the current value untouched.
func (st *Store) UpdateContext(id string, patch SessionContext) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	if patch.Reasoning != "" {
		s.Context.Reasoning = patch.Reasoning
	}
	if patch.Title != "" {
		s.Context.Title = patch.Title
	}
	if patch.Description != "" {
		s.Context.Description = patch.Description
	}
	s.UpdatedAt = st.now()
	return *s, true
}

// Delete removes a session outright and fires the removal hooks.
func (st *Store) Delete(id string) (Session, bool) {
	st.mu.Lock()

	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return Session{}, false
	}
	delete(st.sessions, id)
	snap := *s
	st.mu.Unlock()

	st.fireRemoved([]Session{snap})
	return snap, true
}

// DiffState returns what a watcher tick needs: project path, watched ref,
// last applied hash, and the previous diff set.
func (st *Store) DiffState(id string) (projectPath, ref, hash string, last *diff.DiffSet, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, found := st.sessions[id]
	if !found {
		return "", "", "", nil, false
	}
	if s.Payload != nil {
		last = s.Payload.DiffSet
	}
	return s.ProjectPath, s.DiffRef, s.LastDiffHash, last, true
}

// ApplyDiff replaces the session payload after a successful poll. Polls that
// finish out of order are discarded: a poll older than the last applied one
// never overwrites newer data. Metadata is carried over when the new payload
// has none, so flags like watchMode survive refreshes.
func (st *Store) ApplyDiff(id string, payload *SessionPayload, hash string, polledAt time.Time) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	if polledAt.Before(s.PolledAt) {
		return Session{}, false
	}
	if payload != nil && payload.Metadata == nil && s.Payload != nil {
		payload.Metadata = s.Payload.Metadata
	}
	s.Payload = payload
	s.LastDiffHash = hash
	s.PolledAt = polledAt
	s.UpdatedAt = st.now()
	return *s, true
}

// SetHasNewChanges flips the new-changes badge.
func (st *Store) SetHasNewChanges(id string, v bool) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.HasNewChanges = v
	s.UpdatedAt = st.now()
	return *s, true
}

// SetDiffRef re-targets a live session's watched ref.
func (st *Store) SetDiffRef(id, ref string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.DiffRef = ref
	s.UpdatedAt = st.now()
	return *s, true
}

// StartSweeper runs the TTL sweep until ctx is cancelled. Submitted sessions
// expire after submittedTTL; pending and in-review ones after pendingTTL.
// One periodic scan, not per-session timers.
func (st *Store) StartSweeper(ctx context.Context, interval, submittedTTL, pendingTTL time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				st.sweep(submittedTTL, pendingTTL)
			}
		}
	}()
}

func (st *Store) sweep(submittedTTL, pendingTTL time.Duration) {
	st.mu.Lock()
	now := st.now()

	var removed []Session
	for id, s := range st.sessions {
		ttl := pendingTTL
		if s.Status == StatusSubmitted {
			ttl = submittedTTL
		}
		if now.Sub(s.UpdatedAt) > ttl {
			delete(st.sessions, id)
			removed = append(removed, *s)
		}
	}

	// Cached results for departed sessions expire on the submitted TTL.
	for id, c := range st.results {
		if _, live := st.sessions[id]; !live && now.Sub(c.at) > submittedTTL {
			delete(st.results, id)
		}
	}
	st.mu.Unlock()

	if len(removed) > 0 {
		log.Printf("Swept %d expired session(s)", len(removed))
		st.fireRemoved(removed)
	}
}
