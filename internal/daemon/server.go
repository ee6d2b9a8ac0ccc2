package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/config"
	"github.com/CodeJonesW/diffprism/internal/diff"
	"github.com/CodeJonesW/diffprism/internal/git"
	"github.com/CodeJonesW/diffprism/internal/version"
)

// maxRequestBody caps the create-review body. A full diff payload for a big
// change is a few hundred KB; 8MB leaves generous headroom.
const maxRequestBody = 8 << 20

// ErrorResponse is the JSON error body for all 4xx/5xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the GET /api/status body.
type StatusResponse struct {
	Running  bool   `json:"running"`
	PID      int    `json:"pid"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// CreateReviewRequest is the POST /api/reviews body. DiffSet/RawDiff may be
// omitted when DiffRef is set; the daemon computes the diff itself.
type CreateReviewRequest struct {
	ProjectPath string            `json:"projectPath"`
	DiffRef     string            `json:"diffRef,omitempty"`
	DiffSet     *diff.DiffSet     `json:"diffSet,omitempty"`
	RawDiff     string            `json:"rawDiff,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Context     *SessionContext   `json:"context,omitempty"`
	Briefing    *analyze.Briefing `json:"briefing,omitempty"`
}

// CreateReviewResponse reports the created-or-reused session.
type CreateReviewResponse struct {
	SessionID string        `json:"sessionId"`
	Reused    bool          `json:"reused"`
	Status    SessionStatus `json:"status"`
}

// ResultResponse is the GET /api/reviews/{id}/result body. Result is null
// until the reviewer submits.
type ResultResponse struct {
	Result *ReviewResult `json:"result"`
	Status SessionStatus `json:"status"`
}

// RefsResponse is the GET /api/reviews/{id}/refs body.
type RefsResponse struct {
	CurrentBranch string       `json:"currentBranch"`
	Local         []string     `json:"local"`
	Remote        []string     `json:"remote"`
	Commits       []git.Commit `json:"commits"`
}

// Server is the standing review daemon: session store, annotation store,
// diff watchers, WebSocket hub, and the HTTP control surface.
type Server struct {
	cfg        *config.Config
	configPath string

	store       *Store
	annotations *AnnotationStore
	history     *HistoryLog
	hub         *Hub
	sup         *WatcherSupervisor

	// Collaborators are fields so tests can substitute fakes for real git.
	diffFn        DiffFunc
	analyzeFn     AnalyzeFunc
	listBranches  func(repoPath string) (*git.Branches, error)
	listCommits   func(repoPath string, limit int) ([]git.Commit, error)
	currentBranch func(repoPath string) string

	startedAt time.Time

	httpSrv *http.Server
	wsSrv   *http.Server
	httpLn  net.Listener
	wsLn    net.Listener

	configWatcher *ConfigWatcher

	sweepCancel context.CancelFunc
	stopOnce    sync.Once
	doneCh      chan struct{}
}

// NewServer builds a daemon wired to the real git and analyzer collaborators.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	history, err := NewHistoryLog(DefaultHistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	return newServer(cfg, configPath, history, git.Diff, analyze.Analyze), nil
}

func newServer(cfg *config.Config, configPath string, history *HistoryLog, diffFn DiffFunc, analyzeFn AnalyzeFunc) *Server {
	store := NewStore()
	annotations := NewAnnotationStore()
	hub := NewHub(store, annotations, history)
	sup := NewWatcherSupervisor(store, hub, diffFn, analyzeFn, cfg.PollInterval())
	hub.SetSupervisor(sup)

	s := &Server{
		cfg:           cfg,
		configPath:    configPath,
		store:         store,
		annotations:   annotations,
		history:       history,
		hub:           hub,
		sup:           sup,
		diffFn:        diffFn,
		analyzeFn:     analyzeFn,
		listBranches:  git.ListBranches,
		listCommits:   git.ListCommits,
		currentBranch: git.CurrentBranch,
		startedAt:     time.Now(),
		doneCh:        make(chan struct{}),
	}

	// Every removal path (delete, dismiss, sweep) flows through these hooks.
	store.OnRemoved(func(snap Session) {
		sup.SessionRemoved(snap.ID)
		annotations.Remove(snap.ID)
		hub.BroadcastAll(SessionRemoved{Type: EventSessionRemoved, SessionID: snap.ID})
	})

	return s
}

// Hub exposes the connection hub (the WS endpoint handler).
func (s *Server) Hub() *Hub { return s.hub }

// Store exposes the session store.
func (s *Server) Store() *Store { return s.store }

// Done is closed once the server has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// Start binds both listeners, writes the discovery file, and serves until
// Stop. Refuses to start when another daemon is already alive.
func (s *Server) Start() error {
	if info, err := FindRunningDaemon(); err == nil && IsDaemonAlive(info.HTTPPort) {
		return fmt.Errorf("daemon already running (pid %d, port %d)", info.PID, info.HTTPPort)
	}

	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
	}
	wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.WSAddr, err)
	}
	s.httpLn = httpLn
	s.wsLn = wsLn

	s.httpSrv = &http.Server{Handler: s.Routes()}
	s.wsSrv = &http.Server{Handler: s.hub}

	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server: %v", err)
		}
	}()
	go func() {
		if err := s.wsSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("WS server: %v", err)
		}
	}()

	httpPort := httpLn.Addr().(*net.TCPAddr).Port
	wsPort := wsLn.Addr().(*net.TCPAddr).Port
	if err := WriteDiscovery(httpPort, wsPort); err != nil {
		log.Printf("Warning: failed to write discovery file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.store.StartSweeper(ctx, s.cfg.SweepInterval(), s.cfg.SubmittedTTL(), s.cfg.PendingTTL())

	if s.configPath != "" {
		cw, err := NewConfigWatcher(s.configPath, func(newCfg *config.Config) {
			s.cfg = newCfg
			s.hub.BroadcastAll(ConfigReloaded{Type: EventConfigReloaded})
		})
		if err != nil {
			log.Printf("Warning: config watcher disabled: %v", err)
		} else {
			s.configWatcher = cw
		}
	}

	log.Printf("diffprism daemon listening on http=%d ws=%d", httpPort, wsPort)
	return nil
}

// Stop tears the daemon down. Order: watchers, connections, servers, files;
// the discovery file goes last so no client discovers a dying daemon.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.sweepCancel != nil {
			s.sweepCancel()
		}
		if s.configWatcher != nil {
			s.configWatcher.Stop()
		}
		s.sup.StopAll()
		s.hub.CloseAll()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
		if s.wsSrv != nil {
			_ = s.wsSrv.Shutdown(ctx)
		}
		if s.history != nil {
			_ = s.history.Close()
		}

		RemoveDiscovery()
		close(s.doneCh)
	})
}

// Routes builds the control API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/reviews", s.handleCreateReview)
	mux.HandleFunc("GET /api/reviews", s.handleListReviews)
	mux.HandleFunc("GET /api/reviews/{id}", s.handleGetReview)
	mux.HandleFunc("DELETE /api/reviews/{id}", s.handleDeleteReview)
	mux.HandleFunc("POST /api/reviews/{id}/result", s.handleSubmitResult)
	mux.HandleFunc("GET /api/reviews/{id}/result", s.handleGetResult)
	mux.HandleFunc("POST /api/reviews/{id}/context", s.handleUpdateContext)
	mux.HandleFunc("GET /api/reviews/{id}/refs", s.handleRefs)
	mux.HandleFunc("POST /api/reviews/{id}/compare", s.handleCompare)
	mux.HandleFunc("POST /api/reviews/{id}/annotations", s.handleAddAnnotation)
	mux.HandleFunc("GET /api/reviews/{id}/annotations", s.handleListAnnotations)
	mux.HandleFunc("POST /api/reviews/{id}/annotations/{aid}/dismiss", s.handleDismissAnnotation)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/shutdown", s.handleShutdown)

	return withCORS(mux)
}

// withCORS allows any origin. This is a loopback developer tool; the browser
// UI is typically served from a different local port.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:  true,
		PID:      os.Getpid(),
		Version:  version.Version,
		Sessions: s.store.Count(),
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req CreateReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	// Caller may hand us a ready diff, or just a ref to compute against.
	if req.DiffSet == nil {
		ref := req.DiffRef
		if ref == "" {
			ref = git.WorkingRef
		}
		res, err := s.diffFn(req.ProjectPath, ref)
		if err != nil {
			writeError(w, http.StatusBadRequest, "compute diff: %v", err)
			return
		}
		req.DiffSet = res.DiffSet
		req.RawDiff = res.Raw
	}
	if req.Briefing == nil {
		req.Briefing = s.analyzeFn(req.DiffSet)
	}
	if req.DiffRef != "" {
		// Live-watched session: let viewers know to expect updates.
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["watchMode"] = true
	}

	payload := &SessionPayload{
		DiffSet:  req.DiffSet,
		RawDiff:  req.RawDiff,
		Briefing: req.Briefing,
		Metadata: req.Metadata,
	}

	snap, reused := s.store.Create(payload, req.ProjectPath, req.DiffRef)
	if req.Context != nil {
		snap, _ = s.store.UpdateContext(snap.ID, *req.Context)
	}

	if reused {
		s.hub.BroadcastAll(SessionEvent{Type: EventSessionUpdated, Session: snap.Summary()})
	} else {
		s.hub.BroadcastAll(SessionEvent{Type: EventSessionAdded, Session: snap.Summary()})
	}
	s.sup.SessionCreated(snap)

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateReviewResponse{
		SessionID: snap.ID,
		Reused:    reused,
		Status:    snap.Status,
	})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.store.List()})
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, snap.Summary())
}

func (s *Server) handleDeleteReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Delete(id); !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var result ReviewResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if err := s.hub.SubmitResult(id, &result); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session %s not found", id)
		} else {
			writeError(w, http.StatusBadRequest, "%v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"submitted": true})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, status, ok := s.store.GetResult(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: result, Status: status})
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch SessionContext
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	snap, ok := s.store.UpdateContext(id, patch)
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	// Context goes to attached viewers only, not the whole daemon.
	s.hub.SendToSession(id, ContextUpdate{
		Type:      EventContextUpdate,
		SessionID: id,
		Context:   snap.Context,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleRefs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	branches, err := s.listBranches(snap.ProjectPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list branches: %v", err)
		return
	}
	commits, err := s.listCommits(snap.ProjectPath, 30)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list commits: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, RefsResponse{
		CurrentBranch: s.currentBranch(snap.ProjectPath),
		Local:         branches.Local,
		Remote:        branches.Remote,
		Commits:       commits,
	})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}

	snap, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	res, err := s.diffFn(snap.ProjectPath, req.Ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, "compute diff: %v", err)
		return
	}

	briefing := s.analyzeFn(res.DiffSet)
	var prev *diff.DiffSet
	if snap.Payload != nil {
		prev = snap.Payload.DiffSet
	}
	changed := diff.ChangedFiles(prev, res.DiffSet)

	payload := &SessionPayload{
		DiffSet:  res.DiffSet,
		RawDiff:  res.Raw,
		Briefing: briefing,
	}
	updated, ok := s.store.ApplyDiff(id, payload, diff.Hash(res.Raw), time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	s.hub.SendToSession(id, DiffUpdate{
		Type:         EventDiffUpdate,
		SessionID:    id,
		DiffSet:      res.DiffSet,
		RawDiff:      res.Raw,
		Briefing:     briefing,
		ChangedFiles: changed,
		UpdatedAt:    updated.UpdatedAt,
	})
	writeJSON(w, http.StatusOK, map[string]int{"filesChanged": len(res.DiffSet.Files)})
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	var req AnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	ann := s.annotations.Add(id, req)
	s.hub.SendToSession(id, AnnotationAdded{Type: EventAnnotationAdded, Annotation: ann})
	writeJSON(w, http.StatusCreated, ann)
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	anns := s.annotations.List(id)
	if anns == nil {
		anns = []Annotation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"annotations": anns})
}

func (s *Server) handleDismissAnnotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aid := r.PathValue("aid")
	if _, ok := s.store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	ann, ok := s.annotations.Dismiss(id, aid)
	if !ok {
		writeError(w, http.StatusNotFound, "annotation %s not found", aid)
		return
	}

	s.hub.SendToSession(id, AnnotationDismissed{
		Type:         EventAnnotationDismissed,
		SessionID:    id,
		AnnotationID: ann.ID,
	})
	writeJSON(w, http.StatusOK, ann)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var entries []HistoryEntry
	if s.history != nil {
		entries = s.history.RecentN(50)
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
	// Respond first, then tear down.
	go s.Stop()
}
