package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrSessionNotFound is returned when a result targets an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// sendQueueSize bounds the per-connection outbound queue. A slow client has
// events dropped rather than stalling broadcast to everyone else; the queue
// itself keeps per-connection delivery causally ordered.
const sendQueueSize = 64

// writeTimeout caps a single WebSocket write.
const writeTimeout = 5 * time.Second

// Hub tracks which WebSocket connection is viewing which session and fans
// out session-list and per-session events.
type Hub struct {
	store       *Store
	annotations *AnnotationStore
	history     *HistoryLog // may be nil

	// sup is notified on connect/disconnect so watchers only run while
	// someone could plausibly be looking. Set once during wiring.
	sup *WatcherSupervisor

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	sessionID string
}

// NewHub creates a connection hub over the given stores.
func NewHub(store *Store, annotations *AnnotationStore, history *HistoryLog) *Hub {
	return &Hub{
		store:       store,
		annotations: annotations,
		history:     history,
		conns:       make(map[*wsConn]struct{}),
	}
}

// SetSupervisor wires the watcher supervisor. Must be called before the hub
// serves connections.
func (h *Hub) SetSupervisor(sup *WatcherSupervisor) {
	h.sup = sup
}

func (c *wsConn) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *wsConn) setCurrent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// enqueue queues a message for this connection without blocking. Events are
// dropped when the client cannot keep up.
func (c *wsConn) enqueue(msg any) {
	select {
	case c.send <- msg:
	default:
		log.Printf("WS: dropping event for slow client")
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// ServeHTTP upgrades the connection and runs its read loop. A sessionId
// query parameter attaches the connection as a viewer of that session;
// otherwise the client gets the session-summary list (and is auto-attached
// when exactly one session exists).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Loopback-only tool; the UI dev server runs on a different port.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	c := &wsConn{
		ws:   ws,
		send: make(chan any, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()

	h.register(c)
	defer h.unregister(c)

	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		h.attach(c, sid)
	} else {
		list := h.store.List()
		c.enqueue(SessionList{Type: EventSessionList, Sessions: list})
		// One session: save the viewer a click.
		if len(list) == 1 {
			h.attach(c, list[0].ID)
		}
	}

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed message: ignore, keep the connection.
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	if h.sup != nil {
		h.sup.ConnectionsChanged(n)
	}
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	c.shutdown()
	if h.sup != nil {
		h.sup.ConnectionsChanged(n)
	}
}

// attach makes c a viewer of the given session: in_review transition, badge
// clear, summary broadcast, then the full payload to this connection only.
func (h *Hub) attach(c *wsConn, sessionID string) {
	snap, ok := h.store.MarkInReview(sessionID)
	if !ok {
		c.enqueue(SessionList{Type: EventSessionList, Sessions: h.store.List()})
		return
	}

	c.setCurrent(sessionID)
	h.BroadcastAll(SessionEvent{Type: EventSessionUpdated, Session: snap.Summary()})

	var anns []Annotation
	if h.annotations != nil {
		anns = h.annotations.List(sessionID)
	}
	c.enqueue(newReviewInit(snap, anns))
}

func (h *Hub) dispatch(c *wsConn, msg ClientMessage) {
	switch msg.Type {
	case MsgReviewSubmit:
		sid := c.current()
		if sid == "" || msg.Result == nil {
			return
		}
		if err := h.SubmitResult(sid, msg.Result); err != nil {
			log.Printf("WS: submit for %s: %v", sid, err)
		}
	case MsgSessionSelect:
		if msg.SessionID != "" {
			h.attach(c, msg.SessionID)
		}
	case MsgSessionClose:
		sid := msg.SessionID
		if sid == "" {
			sid = c.current()
		}
		if sid == "" {
			return
		}
		if err := h.SubmitResult(sid, &ReviewResult{Decision: DecisionDismissed}); err != nil {
			log.Printf("WS: close for %s: %v", sid, err)
		}
	case MsgDiffChangeRef:
		sid := c.current()
		if sid == "" || msg.Ref == "" || h.sup == nil {
			return
		}
		h.sup.ChangeRef(sid, msg.Ref)
	default:
		// Unknown message type: ignore.
	}
}

// SubmitResult records a decision for a session and broadcasts the outcome.
// Dismissed results remove the session (the store's removal hook announces
// session:removed); everything else broadcasts the submitted summary. Used
// by both the WS and HTTP submit paths.
func (h *Hub) SubmitResult(sessionID string, r *ReviewResult) error {
	if r == nil || !ValidDecision(r.Decision) {
		return fmt.Errorf("invalid decision %q", r.Decision)
	}

	snap, ok := h.store.SetResult(sessionID, r)
	if !ok {
		return ErrSessionNotFound
	}

	if r.Decision != DecisionDismissed {
		h.BroadcastAll(SessionEvent{Type: EventSessionUpdated, Session: snap.Summary()})
	}

	if h.history != nil {
		h.history.Record(snap, r)
	}
	return nil
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SessionHasViewer reports whether any connection is attached to the session.
func (h *Hub) SessionHasViewer(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.conns {
		if c.current() == sessionID {
			return true
		}
	}
	return false
}

// SendToSession queues an event on every connection attached to the session.
func (h *Hub) SendToSession(sessionID string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.conns {
		if c.current() == sessionID {
			c.enqueue(msg)
		}
	}
}

// BroadcastAll queues an event on every connection.
func (h *Hub) BroadcastAll(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.conns {
		c.enqueue(msg)
	}
}

// CloseAll closes every connection. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}
