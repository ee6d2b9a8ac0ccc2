package review

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/CodeJonesW/diffprism/internal/daemon"
	"github.com/CodeJonesW/diffprism/internal/diff"
)

func oneFileDiff() *diff.DiffSet {
	return &diff.DiffSet{
		BaseRef: "HEAD",
		HeadRef: "working",
		Files: []diff.FileDiff{
			{Path: "main.go", Status: diff.StatusModified, Additions: 4, Deletions: 2},
		},
	}
}

// startOneShot runs Start in a goroutine and hands back the WS/UI URLs once
// the listeners are bound.
func startOneShot(t *testing.T, ctx context.Context, opts Options) (wsURL, uiURL string, done chan struct{}, result **daemon.ReviewResult, startErr *error) {
	t.Helper()

	ready := make(chan [2]string, 1)
	opts.OnReady = func(ui, ws string) { ready <- [2]string{ui, ws} }

	done = make(chan struct{})
	var res *daemon.ReviewResult
	var err error
	go func() {
		defer close(done)
		res, err = Start(ctx, opts)
	}()

	select {
	case urls := <-ready:
		return urls[1], urls[0], done, &res, &err
	case <-done:
		t.Fatalf("Start returned before listeners were ready: %v", err)
		return "", "", nil, nil, nil
	}
}

func dialOneShot(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return ws
}

func readInit(t *testing.T, ws *websocket.Conn) daemon.ReviewInit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var init daemon.ReviewInit
	if err := wsjson.Read(ctx, ws, &init); err != nil {
		t.Fatalf("read init: %v", err)
	}
	if init.Type != daemon.EventReviewInit {
		t.Fatalf("first frame type = %q, want review:init", init.Type)
	}
	return init
}

func submitOver(t *testing.T, ws *websocket.Conn, result *daemon.ReviewResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := daemon.ClientMessage{Type: daemon.MsgReviewSubmit, Result: result}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.Fatalf("write submit: %v", err)
	}
}

func TestEmptyDiffAutoApproves(t *testing.T) {
	for _, ds := range []*diff.DiffSet{nil, {Files: nil}} {
		result, err := Start(context.Background(), Options{
			ProjectPath: "/p",
			DiffSet:     ds,
			// OnReady firing would mean a listener was opened.
			OnReady: func(ui, ws string) {
				t.Error("auto-approve must not open any listener")
			},
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if result.Decision != daemon.DecisionApproved {
			t.Errorf("decision = %q, want approved", result.Decision)
		}
		if result.Summary != "No changes to review." {
			t.Errorf("summary = %q", result.Summary)
		}
	}
}

func TestSubmitResolvesWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, _, done, result, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
		RawDiff:     "raw",
	})

	ws := dialOneShot(t, wsURL)
	defer ws.Close(websocket.StatusNormalClosure, "")

	init := readInit(t, ws)
	if init.ProjectPath != "/p" || init.RawDiff != "raw" {
		t.Errorf("init = %+v", init)
	}

	submitOver(t, ws, &daemon.ReviewResult{
		Decision: daemon.DecisionChangesRequested,
		Comments: []daemon.ReviewComment{{File: "main.go", Line: 3, Body: "rename this"}},
	})

	<-done
	if *startErr != nil {
		t.Fatalf("Start: %v", *startErr)
	}
	if (*result).Decision != daemon.DecisionChangesRequested {
		t.Errorf("decision = %q", (*result).Decision)
	}
	if len((*result).Comments) != 1 {
		t.Errorf("comments = %+v", (*result).Comments)
	}
}

func TestGracePeriodReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, _, done, result, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
		GracePeriod: time.Second,
	})

	// First viewer connects, then goes away (browser refresh).
	first := dialOneShot(t, wsURL)
	readInit(t, first)
	first.Close(websocket.StatusNormalClosure, "")

	// Reconnect within the grace window; the init is replayed.
	time.Sleep(100 * time.Millisecond)
	second := dialOneShot(t, wsURL)
	defer second.Close(websocket.StatusNormalClosure, "")
	init := readInit(t, second)
	if init.ProjectPath != "/p" {
		t.Errorf("replayed init = %+v", init)
	}

	submitOver(t, second, &daemon.ReviewResult{Decision: daemon.DecisionApproved})

	<-done
	if *startErr != nil {
		t.Fatalf("wait failed despite reconnect: %v", *startErr)
	}
	if (*result).Decision != daemon.DecisionApproved {
		t.Errorf("decision = %q", (*result).Decision)
	}
}

func TestBrowserClosedFailsAfterGrace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, _, done, _, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
		GracePeriod: 100 * time.Millisecond,
	})

	ws := dialOneShot(t, wsURL)
	readInit(t, ws)
	ws.Close(websocket.StatusNormalClosure, "")

	<-done
	if !errors.Is(*startErr, ErrBrowserClosed) {
		t.Errorf("err = %v, want ErrBrowserClosed", *startErr)
	}
}

func TestContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, _, done, _, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
	})

	cancel()
	<-done
	if !errors.Is(*startErr, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", *startErr)
	}
}

func TestDismissOverClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, _, done, result, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
	})

	ws := dialOneShot(t, wsURL)
	defer ws.Close(websocket.StatusNormalClosure, "")
	readInit(t, ws)

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := wsjson.Write(wctx, ws, daemon.ClientMessage{Type: daemon.MsgSessionClose}); err != nil {
		t.Fatalf("write: %v", err)
	}

	<-done
	if *startErr != nil {
		t.Fatalf("Start: %v", *startErr)
	}
	if (*result).Decision != daemon.DecisionDismissed {
		t.Errorf("decision = %q, want dismissed", (*result).Decision)
	}
}

func TestMalformedMessageIgnored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, _, done, result, startErr := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
	})

	ws := dialOneShot(t, wsURL)
	defer ws.Close(websocket.StatusNormalClosure, "")
	readInit(t, ws)

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := ws.Write(wctx, websocket.MessageText, []byte("nonsense")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// An invalid decision is also ignored.
	bad, _ := json.Marshal(daemon.ClientMessage{
		Type:   daemon.MsgReviewSubmit,
		Result: &daemon.ReviewResult{Decision: "maybe"},
	})
	if err := ws.Write(wctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	submitOver(t, ws, &daemon.ReviewResult{Decision: daemon.DecisionApproved})

	<-done
	if *startErr != nil {
		t.Fatalf("Start: %v", *startErr)
	}
	if (*result).Decision != daemon.DecisionApproved {
		t.Errorf("decision = %q", (*result).Decision)
	}
}

func TestUIServerServesEmbeddedAssets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL, uiURL, done, _, _ := startOneShot(t, ctx, Options{
		ProjectPath: "/p",
		DiffSet:     oneFileDiff(),
	})

	resp, err := http.Get(uiURL)
	if err != nil {
		t.Fatalf("GET %s: %v", uiURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// Finish the review so Start returns.
	ws := dialOneShot(t, wsURL)
	defer ws.Close(websocket.StatusNormalClosure, "")
	readInit(t, ws)
	submitOver(t, ws, &daemon.ReviewResult{Decision: daemon.DecisionApproved})
	<-done
}
