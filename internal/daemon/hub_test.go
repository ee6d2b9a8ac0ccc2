package daemon

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestHub(t *testing.T) (*Store, *Hub, *httptest.Server) {
	t.Helper()

	store := NewStore()
	annotations := NewAnnotationStore()
	hub := NewHub(store, annotations, nil)

	store.OnRemoved(func(snap Session) {
		annotations.Remove(snap.ID)
		hub.BroadcastAll(SessionRemoved{Type: EventSessionRemoved, SessionID: snap.ID})
	})

	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)
	return store, hub, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// readUntil reads messages until one with the wanted type arrives, decoding
// it into out.
func readUntil(t *testing.T, ws *websocket.Conn, wantType string, out any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, ws, &raw); err != nil {
			t.Fatalf("read waiting for %q: %v", wantType, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if envelope.Type != wantType {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				t.Fatalf("decode %q: %v", wantType, err)
			}
		}
		return
	}
}

func writeWS(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAttachOnConnectSendsReviewInit(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "")

	ws := dialWS(t, ts, "?sessionId="+s.ID)

	var init ReviewInit
	readUntil(t, ws, EventReviewInit, &init)
	if init.SessionID != s.ID {
		t.Errorf("SessionID = %q, want %q", init.SessionID, s.ID)
	}
	if init.RawDiff != "raw" {
		t.Errorf("RawDiff = %q", init.RawDiff)
	}

	snap, _ := store.Get(s.ID)
	if snap.Status != StatusInReview {
		t.Errorf("status = %q, want in_review after attach", snap.Status)
	}
}

func TestConnectWithoutIDGetsSessionList(t *testing.T) {
	store, _, ts := newTestHub(t)
	store.Create(testPayload("a"), "/a", "")
	store.Create(testPayload("b"), "/b", "")

	ws := dialWS(t, ts, "")

	var list SessionList
	readUntil(t, ws, EventSessionList, &list)
	if len(list.Sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(list.Sessions))
	}
}

func TestSingleSessionAutoSelects(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "")

	ws := dialWS(t, ts, "")

	readUntil(t, ws, EventSessionList, nil)
	var init ReviewInit
	readUntil(t, ws, EventReviewInit, &init)
	if init.SessionID != s.ID {
		t.Errorf("auto-selected %q, want %q", init.SessionID, s.ID)
	}
}

func TestUnknownSessionIDFallsBackToList(t *testing.T) {
	store, _, ts := newTestHub(t)
	store.Create(testPayload("a"), "/a", "")
	store.Create(testPayload("b"), "/b", "")

	ws := dialWS(t, ts, "?sessionId=review-nope")

	var list SessionList
	readUntil(t, ws, EventSessionList, &list)
	if len(list.Sessions) != 2 {
		t.Errorf("sessions = %d", len(list.Sessions))
	}
}

func TestReviewSubmitOverWS(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "")

	ws := dialWS(t, ts, "?sessionId="+s.ID)
	readUntil(t, ws, EventReviewInit, nil)

	writeWS(t, ws, ClientMessage{
		Type:   MsgReviewSubmit,
		Result: &ReviewResult{Decision: DecisionApproved, Summary: "ship it"},
	})

	var event SessionEvent
	readUntil(t, ws, EventSessionUpdated, &event)
	for event.Session.Status != StatusSubmitted {
		readUntil(t, ws, EventSessionUpdated, &event)
	}

	result, status, ok := store.GetResult(s.ID)
	if !ok || status != StatusSubmitted {
		t.Fatalf("GetResult: ok=%v status=%q", ok, status)
	}
	if result.Decision != DecisionApproved || result.Summary != "ship it" {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionCloseDismisses(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "")

	ws := dialWS(t, ts, "?sessionId="+s.ID)
	readUntil(t, ws, EventReviewInit, nil)

	writeWS(t, ws, ClientMessage{Type: MsgSessionClose})

	var removed SessionRemoved
	readUntil(t, ws, EventSessionRemoved, &removed)
	if removed.SessionID != s.ID {
		t.Errorf("removed %q, want %q", removed.SessionID, s.ID)
	}

	if _, ok := store.Get(s.ID); ok {
		t.Error("closed session should be gone")
	}
	result, _, ok := store.GetResult(s.ID)
	if !ok || result.Decision != DecisionDismissed {
		t.Errorf("result: ok=%v %+v", ok, result)
	}
}

func TestSessionSelectRetargets(t *testing.T) {
	store, hub, ts := newTestHub(t)
	a, _ := store.Create(testPayload("a"), "/a", "")
	b, _ := store.Create(testPayload("b"), "/b", "")

	ws := dialWS(t, ts, "?sessionId="+a.ID)
	readUntil(t, ws, EventReviewInit, nil)

	writeWS(t, ws, ClientMessage{Type: MsgSessionSelect, SessionID: b.ID})

	var init ReviewInit
	readUntil(t, ws, EventReviewInit, &init)
	if init.SessionID != b.ID {
		t.Errorf("init for %q, want %q", init.SessionID, b.ID)
	}

	// The viewer mapping followed the select.
	deadline := time.Now().Add(2 * time.Second)
	for !hub.SessionHasViewer(b.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !hub.SessionHasViewer(b.ID) {
		t.Error("connection should now view session b")
	}
}

func TestMalformedMessageIsIgnored(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "")

	ws := dialWS(t, ts, "?sessionId="+s.ID)
	readUntil(t, ws, EventReviewInit, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte("{this is not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives and still handles valid messages.
	writeWS(t, ws, ClientMessage{
		Type:   MsgReviewSubmit,
		Result: &ReviewResult{Decision: DecisionApproved},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, status, _ := store.GetResult(s.ID); status == StatusSubmitted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("submit after malformed message never landed")
}

func TestAttachClearsNewChangesBadge(t *testing.T) {
	store, _, ts := newTestHub(t)
	s, _ := store.Create(testPayload("raw"), "/p", "main")
	store.SetHasNewChanges(s.ID, true)

	ws := dialWS(t, ts, "?sessionId="+s.ID)
	readUntil(t, ws, EventReviewInit, nil)

	snap, _ := store.Get(s.ID)
	if snap.HasNewChanges {
		t.Error("attach should clear hasNewChanges")
	}
}

func TestAttachIncludesAnnotations(t *testing.T) {
	store := NewStore()
	annotations := NewAnnotationStore()
	hub := NewHub(store, annotations, nil)
	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)

	s, _ := store.Create(testPayload("raw"), "/p", "")
	annotations.Add(s.ID, AnnotationRequest{Body: "watch out"})

	ws := dialWS(t, ts, "?sessionId="+s.ID)
	var init ReviewInit
	readUntil(t, ws, EventReviewInit, &init)
	if len(init.Annotations) != 1 || init.Annotations[0].Body != "watch out" {
		t.Errorf("annotations = %+v", init.Annotations)
	}
}
