package daemon

import (
	"time"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/diff"
)

// SessionStatus tracks a session through its lifecycle.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusInReview  SessionStatus = "in_review"
	StatusSubmitted SessionStatus = "submitted"
)

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApproved             Decision = "approved"
	DecisionChangesRequested     Decision = "changes_requested"
	DecisionApprovedWithComments Decision = "approved_with_comments"

	// DecisionDismissed is terminal and also removes the session from the
	// visible list; the result stays pollable by id.
	DecisionDismissed Decision = "dismissed"
)

// ValidDecision reports whether d is one of the accepted decisions.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionApproved, DecisionChangesRequested, DecisionApprovedWithComments, DecisionDismissed:
		return true
	}
	return false
}

// ReviewComment is one human comment attached to a result.
type ReviewComment struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
	Body string `json:"body"`
}

// ReviewResult is the structured decision handed back to the caller.
type ReviewResult struct {
	Decision         Decision          `json:"decision"`
	Comments         []ReviewComment   `json:"comments,omitempty"`
	FileStatuses     map[string]string `json:"fileStatuses,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	PostReviewAction string            `json:"postReviewAction,omitempty"`
	PostToGithub     bool              `json:"postToGithub,omitempty"`
}

// SessionPayload is the last-known-good diff and its analysis. It is
// replaced wholesale on every successful re-poll and never mutated in place,
// so snapshots may share the pointer.
type SessionPayload struct {
	DiffSet  *diff.DiffSet     `json:"diffSet"`
	RawDiff  string            `json:"rawDiff"`
	Briefing *analyze.Briefing `json:"briefing,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// SessionContext holds caller-supplied framing for the review.
type SessionContext struct {
	Reasoning   string `json:"reasoning,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (c SessionContext) empty() bool {
	return c == SessionContext{}
}

// Session is one review request in flight.
type Session struct {
	ID          string
	ProjectPath string
	Payload     *SessionPayload
	Status      SessionStatus
	Result      *ReviewResult
	Context     SessionContext

	// DiffRef marks the session as live-watched. Empty means static.
	DiffRef string

	// LastDiffHash and the payload's DiffSet are the fingerprint and
	// snapshot used for change detection between polls.
	LastDiffHash  string
	HasNewChanges bool

	CreatedAt time.Time
	UpdatedAt time.Time
	PolledAt  time.Time // last successful diff poll applied
}

// Live reports whether this session has a diff watcher.
func (s *Session) Live() bool {
	return s.DiffRef != ""
}

// SessionSummary is the list/broadcast view of a session, without payload.
type SessionSummary struct {
	ID            string        `json:"id"`
	ProjectPath   string        `json:"projectPath"`
	Status        SessionStatus `json:"status"`
	DiffRef       string        `json:"diffRef,omitempty"`
	HasNewChanges bool          `json:"hasNewChanges"`
	FilesChanged  int           `json:"filesChanged"`
	Additions     int           `json:"additions"`
	Deletions     int           `json:"deletions"`
	Title         string        `json:"title,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Summary returns the broadcastable view of the session.
func (s *Session) Summary() SessionSummary {
	sum := SessionSummary{
		ID:            s.ID,
		ProjectPath:   s.ProjectPath,
		Status:        s.Status,
		DiffRef:       s.DiffRef,
		HasNewChanges: s.HasNewChanges,
		Title:         s.Context.Title,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Payload != nil && s.Payload.DiffSet != nil {
		sum.FilesChanged = len(s.Payload.DiffSet.Files)
		sum.Additions = s.Payload.DiffSet.TotalAdditions()
		sum.Deletions = s.Payload.DiffSet.TotalDeletions()
	}
	return sum
}

// AnnotationSource identifies the agent that produced an annotation.
type AnnotationSource struct {
	Agent string `json:"agent"`
	Tool  string `json:"tool,omitempty"`
}

// Annotation is an agent-contributed finding attached to a session,
// independent of human review comments. Append-only except for the
// dismissed flag.
type Annotation struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"sessionId"`
	File       string           `json:"file"`
	Line       int              `json:"line,omitempty"`
	Body       string           `json:"body"`
	Type       string           `json:"type,omitempty"`
	Confidence float64          `json:"confidence"`
	Category   string           `json:"category"`
	Source     AnnotationSource `json:"source"`
	CreatedAt  time.Time        `json:"createdAt"`
	Dismissed  bool             `json:"dismissed,omitempty"`
}
