// Package review runs a one-shot browser review: an ephemeral HTTP+WS pair
// that serves the embedded UI, pushes a single review, and waits for the
// verdict. Nothing persists; the daemon is not involved.
package review

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/daemon"
	"github.com/CodeJonesW/diffprism/internal/diff"
)

//go:embed ui
var uiFS embed.FS

// ErrBrowserClosed means the viewer disconnected before submitting and did
// not come back within the grace window.
var ErrBrowserClosed = errors.New("browser closed before review was submitted")

// DefaultGracePeriod is the reconnect window after a disconnect. Long enough
// for a browser refresh, short enough that a closed tab fails fast.
const DefaultGracePeriod = 2 * time.Second

// Options configures a one-shot review.
type Options struct {
	ProjectPath string
	Ref         string
	DiffSet     *diff.DiffSet
	RawDiff     string
	Briefing    *analyze.Briefing
	Metadata    map[string]any
	Context     *daemon.SessionContext

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration

	// OpenBrowser launches the system browser at the UI URL.
	OpenBrowser bool

	// OnReady is called once both listeners are bound, with the UI and WS
	// URLs. Used by tests and by callers that open the browser themselves.
	OnReady func(uiURL, wsURL string)
}

// Start serves the review and blocks until the viewer submits, the browser
// closes past the grace window, or ctx expires. An empty diff is
// auto-approved without starting any listener.
func Start(ctx context.Context, opts Options) (*daemon.ReviewResult, error) {
	if opts.DiffSet == nil || len(opts.DiffSet.Files) == 0 {
		return &daemon.ReviewResult{
			Decision: daemon.DecisionApproved,
			Summary:  "No changes to review.",
		}, nil
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	b := &bridge{
		opts:     opts,
		grace:    grace,
		resultCh: make(chan *daemon.ReviewResult, 1),
		failCh:   make(chan error, 1),
	}

	wsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen ws: %w", err)
	}
	uiLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		wsLn.Close()
		return nil, fmt.Errorf("listen ui: %w", err)
	}

	wsPort := wsLn.Addr().(*net.TCPAddr).Port
	uiPort := uiLn.Addr().(*net.TCPAddr).Port
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d", wsPort)
	uiURL := fmt.Sprintf("http://127.0.0.1:%d/?ws=%d", uiPort, wsPort)

	wsSrv := &http.Server{Handler: http.HandlerFunc(b.serveWS)}
	uiSrv := &http.Server{Handler: uiHandler()}

	// Cleanup runs exactly once on every exit path.
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			b.stopGraceTimer()
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = wsSrv.Shutdown(shutCtx)
			_ = uiSrv.Shutdown(shutCtx)
		})
	}
	defer cleanup()

	go func() {
		if err := wsSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("One-shot WS server: %v", err)
		}
	}()
	go func() {
		if err := uiSrv.Serve(uiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("One-shot UI server: %v", err)
		}
	}()

	if opts.OnReady != nil {
		opts.OnReady(uiURL, wsURL)
	}
	if opts.OpenBrowser {
		if err := openBrowser(uiURL); err != nil {
			log.Printf("Warning: failed to open browser: %v", err)
			log.Printf("Open %s manually to review", uiURL)
		}
	}

	select {
	case result := <-b.resultCh:
		return result, nil
	case err := <-b.failCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bridge tracks the single in-flight review across (re)connections.
type bridge struct {
	opts  Options
	grace time.Duration

	resultCh chan *daemon.ReviewResult
	failCh   chan error

	mu         sync.Mutex
	conns      int
	submitted  bool
	graceTimer *time.Timer
}

func (b *bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	b.connected()
	defer b.disconnected()

	// Every connection (first or reconnect) gets the pending review.
	initCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = wsjson.Write(initCtx, ws, b.reviewInit())
	cancel()
	if err != nil {
		return
	}

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		var msg daemon.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case daemon.MsgReviewSubmit:
			if msg.Result == nil || !daemon.ValidDecision(msg.Result.Decision) {
				continue
			}
			b.submit(msg.Result)
		case daemon.MsgSessionClose:
			b.submit(&daemon.ReviewResult{Decision: daemon.DecisionDismissed})
		}
	}
}

func (b *bridge) reviewInit() daemon.ReviewInit {
	return daemon.ReviewInit{
		Type:        daemon.EventReviewInit,
		SessionID:   "oneshot",
		ProjectPath: b.opts.ProjectPath,
		DiffSet:     b.opts.DiffSet,
		RawDiff:     b.opts.RawDiff,
		Briefing:    b.opts.Briefing,
		Metadata:    b.opts.Metadata,
		Annotations: nil,
		Context:     b.opts.Context,
	}
}

func (b *bridge) submit(result *daemon.ReviewResult) {
	b.mu.Lock()
	already := b.submitted
	b.submitted = true
	b.mu.Unlock()
	if already {
		return
	}
	b.resultCh <- result
}

func (b *bridge) connected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns++
	// A reconnect within the grace window resumes the same review.
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
}

func (b *bridge) disconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns--
	if b.conns > 0 || b.submitted {
		return
	}
	b.graceTimer = time.AfterFunc(b.grace, func() {
		b.mu.Lock()
		failed := !b.submitted && b.conns == 0
		b.mu.Unlock()
		if failed {
			select {
			case b.failCh <- ErrBrowserClosed:
			default:
			}
		}
	})
}

func (b *bridge) stopGraceTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
}

func uiHandler() http.Handler {
	sub, err := fs.Sub(uiFS, "ui")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
