package daemon

import (
	"time"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/diff"
)

// WebSocket wire protocol: a JSON-tagged union keyed on "type".

// Server → client event types.
const (
	EventReviewInit          = "review:init"
	EventDiffUpdate          = "diff:update"
	EventDiffError           = "diff:error"
	EventContextUpdate       = "context:update"
	EventSessionList         = "session:list"
	EventSessionAdded        = "session:added"
	EventSessionUpdated      = "session:updated"
	EventSessionRemoved      = "session:removed"
	EventAnnotationAdded     = "annotation:added"
	EventAnnotationDismissed = "annotation:dismissed"
	EventConfigReloaded      = "config:reloaded"
)

// Client → server message types.
const (
	MsgReviewSubmit  = "review:submit"
	MsgSessionSelect = "session:select"
	MsgSessionClose  = "session:close"
	MsgDiffChangeRef = "diff:change_ref"
)

// ClientMessage is the inbound union. Unknown types and irrelevant fields
// are ignored.
type ClientMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId,omitempty"`
	Result    *ReviewResult `json:"result,omitempty"`
	Ref       string        `json:"ref,omitempty"`
}

// ReviewInit carries the full session payload to a newly attached viewer.
type ReviewInit struct {
	Type        string            `json:"type"`
	SessionID   string            `json:"sessionId"`
	ProjectPath string            `json:"projectPath"`
	DiffSet     *diff.DiffSet     `json:"diffSet"`
	RawDiff     string            `json:"rawDiff"`
	Briefing    *analyze.Briefing `json:"briefing,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Context     *SessionContext   `json:"context,omitempty"`
	Annotations []Annotation      `json:"annotations,omitempty"`
}

// DiffUpdate is a live refresh pushed to attached viewers when the watched
// diff changes.
type DiffUpdate struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"sessionId"`
	DiffSet      *diff.DiffSet     `json:"diffSet"`
	RawDiff      string            `json:"rawDiff"`
	Briefing     *analyze.Briefing `json:"briefing,omitempty"`
	ChangedFiles []string          `json:"changedFiles,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// DiffError tells a viewer its diff has gone stale because polling keeps
// failing.
type DiffError struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// ContextUpdate forwards a context patch to attached viewers only.
type ContextUpdate struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Context   SessionContext `json:"context"`
}

// SessionList is the full summary list sent to daemon-overview clients.
type SessionList struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionEvent carries one session summary (session:added / session:updated).
type SessionEvent struct {
	Type    string         `json:"type"`
	Session SessionSummary `json:"session"`
}

// SessionRemoved announces a session is gone (delete, dismiss, or sweep).
type SessionRemoved struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// AnnotationAdded forwards a new annotation to attached viewers.
type AnnotationAdded struct {
	Type       string     `json:"type"`
	Annotation Annotation `json:"annotation"`
}

// AnnotationDismissed forwards a dismissed-flag flip to attached viewers.
type AnnotationDismissed struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	AnnotationID string `json:"annotationId"`
}

// ConfigReloaded announces a config hot reload.
type ConfigReloaded struct {
	Type string `json:"type"`
}

func newReviewInit(s Session, annotations []Annotation) ReviewInit {
	init := ReviewInit{
		Type:        EventReviewInit,
		SessionID:   s.ID,
		ProjectPath: s.ProjectPath,
		Annotations: annotations,
	}
	if s.Payload != nil {
		init.DiffSet = s.Payload.DiffSet
		init.RawDiff = s.Payload.RawDiff
		init.Briefing = s.Payload.Briefing
		init.Metadata = s.Payload.Metadata
	}
	if !s.Context.empty() {
		ctx := s.Context
		init.Context = &ctx
	}
	return init
}
