package daemon

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnnotationRequest is the caller-facing shape for adding an annotation.
// Confidence is a pointer so an explicit 0 survives the default.
type AnnotationRequest struct {
	File       string   `json:"file"`
	Line       int      `json:"line,omitempty"`
	Body       string   `json:"body"`
	Type       string   `json:"type,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Category   string   `json:"category,omitempty"`
	Agent      string   `json:"agent,omitempty"`
	Tool       string   `json:"tool,omitempty"`
}

// AnnotationStore keeps agent annotations per session, in memory, append
// order preserved. Sessions and annotations live and die together: when a
// session is removed its annotations go with it.
type AnnotationStore struct {
	mu    sync.Mutex
	bySID map[string][]Annotation

	newID func() string
	now   func() time.Time
}

// NewAnnotationStore creates an empty annotation store.
func NewAnnotationStore() *AnnotationStore {
	return &AnnotationStore{
		bySID: make(map[string][]Annotation),
		newID: newAnnotationID,
		now:   time.Now,
	}
}

func newAnnotationID() string {
	return "ann-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Add records an annotation for the session. Confidence defaults to 1 and
// category to "other" when the caller leaves them unset.
func (a *AnnotationStore) Add(sessionID string, req AnnotationRequest) Annotation {
	a.mu.Lock()
	defer a.mu.Unlock()

	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	category := req.Category
	if category == "" {
		category = "other"
	}

	ann := Annotation{
		ID:         a.newID(),
		SessionID:  sessionID,
		File:       req.File,
		Line:       req.Line,
		Body:       req.Body,
		Type:       req.Type,
		Confidence: confidence,
		Category:   category,
		Source:     AnnotationSource{Agent: req.Agent, Tool: req.Tool},
		CreatedAt:  a.now(),
	}
	a.bySID[sessionID] = append(a.bySID[sessionID], ann)
	return ann
}

// List returns the session's annotations in insertion order.
func (a *AnnotationStore) List(sessionID string) []Annotation {
	a.mu.Lock()
	defer a.mu.Unlock()

	anns := a.bySID[sessionID]
	if len(anns) == 0 {
		return nil
	}
	out := make([]Annotation, len(anns))
	copy(out, anns)
	return out
}

// Dismiss flips an annotation's dismissed flag. The annotation stays in the
// list so the UI can render it struck through. Dismissing an already
// dismissed annotation succeeds.
func (a *AnnotationStore) Dismiss(sessionID, annotationID string) (Annotation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anns := a.bySID[sessionID]
	for i := range anns {
		if anns[i].ID == annotationID {
			anns[i].Dismissed = true
			return anns[i], true
		}
	}
	return Annotation{}, false
}

// Remove drops all annotations for a session. Wired to the session store's
// removal hook.
func (a *AnnotationStore) Remove(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySID, sessionID)
}
