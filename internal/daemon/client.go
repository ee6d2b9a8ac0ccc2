package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the daemon control-surface API. An interface so command code can
// be tested against a fake.
type Client interface {
	// Status fetches daemon liveness and session count.
	Status() (*StatusResponse, error)

	// CreateReview creates or reuses a session for the project.
	CreateReview(req CreateReviewRequest) (*CreateReviewResponse, error)

	// ListSessions returns summaries of all sessions.
	ListSessions() ([]SessionSummary, error)

	// GetResult polls a session's result; Result is nil before submission.
	GetResult(sessionID string) (*ResultResponse, error)

	// WaitForResult polls until the session is submitted.
	WaitForResult(sessionID string) (*ReviewResult, error)

	// SubmitResult submits a result out-of-band.
	SubmitResult(sessionID string, result *ReviewResult) error

	// UpdateContext patches the session's reasoning/title/description.
	UpdateContext(sessionID string, patch SessionContext) error

	// Annotate attaches an agent annotation to a session.
	Annotate(sessionID string, req AnnotationRequest) (*Annotation, error)

	// DeleteSession hard-deletes a session.
	DeleteSession(sessionID string) error

	// Shutdown asks the daemon to stop.
	Shutdown() error
}

// DefaultPollInterval is the polling interval for WaitForResult.
// Tests override this to speed up polling-based tests.
var DefaultPollInterval = 2 * time.Second

// HTTPClient is the default HTTP-based implementation of Client.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPClient creates a client against the given base URL
// (e.g. "http://127.0.0.1:4780").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: DefaultPollInterval,
	}
}

// NewClientFromDiscovery locates a running daemon via the discovery file,
// retrying briefly to cover a daemon that is still starting up.
func NewClientFromDiscovery() (*HTTPClient, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		info, err := FindRunningDaemon()
		if err == nil {
			return NewHTTPClient(fmt.Sprintf("http://127.0.0.1:%d", info.HTTPPort)), nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon not running: %w", lastErr)
}

// SetPollInterval sets the polling interval for WaitForResult.
func (c *HTTPClient) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
}

func (c *HTTPClient) Status() (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get("/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateReview(req CreateReviewRequest) (*CreateReviewResponse, error) {
	var out CreateReviewResponse
	if err := c.post("/api/reviews", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListSessions() ([]SessionSummary, error) {
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.get("/api/reviews", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *HTTPClient) GetResult(sessionID string) (*ResultResponse, error) {
	var out ResultResponse
	if err := c.get("/api/reviews/"+sessionID+"/result", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) WaitForResult(sessionID string) (*ReviewResult, error) {
	for {
		res, err := c.GetResult(sessionID)
		if err != nil {
			return nil, err
		}
		if res.Status == StatusSubmitted && res.Result != nil {
			return res.Result, nil
		}
		time.Sleep(c.pollInterval)
	}
}

func (c *HTTPClient) SubmitResult(sessionID string, result *ReviewResult) error {
	return c.post("/api/reviews/"+sessionID+"/result", result, nil)
}

func (c *HTTPClient) UpdateContext(sessionID string, patch SessionContext) error {
	return c.post("/api/reviews/"+sessionID+"/context", patch, nil)
}

func (c *HTTPClient) Annotate(sessionID string, req AnnotationRequest) (*Annotation, error) {
	var out Annotation
	if err := c.post("/api/reviews/"+sessionID+"/annotations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteSession(sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/reviews/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *HTTPClient) Shutdown() error {
	return c.post("/api/shutdown", nil, nil)
}

func (c *HTTPClient) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkStatus maps non-2xx responses to errors, preferring the server's
// JSON error body over the bare status line.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, errResp.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
