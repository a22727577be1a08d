// Package control serves the local HTTP API the CLI talks to and the GitHub
// push webhook that triggers out-of-band syncs.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/gitcloudd/internal/config"
	"github.com/schaermu/gitcloudd/internal/registry"
	"github.com/schaermu/gitcloudd/internal/repo"
	gitcloud "github.com/schaermu/gitcloudd/internal/sync"
)

// Registry is the catalog the API operates on
type Registry interface {
	List() []registry.Entry
	Add(ctx context.Context, rp repo.Repo) error
	Remove(ctx context.Context, name string) error
	SetAutoSync(ctx context.Context, name string, enabled bool) error
	Sync(ctx context.Context, name string) error
	SyncURL(ctx context.Context, urls ...string) ([]string, error)
}

// Scheduler exposes the engine's interval
type Scheduler interface {
	Interval() time.Duration
	SetInterval(d time.Duration) error
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// AddRequest is the body of POST /repos
type AddRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	ReadOnly bool   `json:"rdonly"`
	Disabled bool   `json:"disabled"`
}

// AutoSyncRequest is the body of PUT /repos/{name}/auto-sync
type AutoSyncRequest struct {
	Enabled bool `json:"enabled"`
}

// IntervalBody is the body of GET and PUT /interval, in seconds
type IntervalBody struct {
	Interval int `json:"interval"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server implements the control HTTP server
type Server struct {
	cfg       *config.Config
	registry  Registry
	scheduler Scheduler
	logger    *slog.Logger
	secret    []byte
	debounce  *debouncer

	pendingMu sync.Mutex // guards pending
	pending   map[string]bool
}

// debouncer collapses bursts of webhook deliveries into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new control server. The webhook secret is read only
// when the webhook endpoint is enabled.
func NewServer(cfg *config.Config, reg Registry, scheduler Scheduler, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		scheduler: scheduler,
		logger:    logger,
		debounce:  &debouncer{delay: 2 * time.Second},
		pending:   make(map[string]bool),
	}

	if cfg.WebhookEnabled() {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	return s, nil
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos", s.handleList)
	mux.HandleFunc("POST /repos", s.handleAdd)
	mux.HandleFunc("DELETE /repos/{name}", s.handleRemove)
	mux.HandleFunc("POST /repos/{name}/sync", s.handleSync)
	mux.HandleFunc("PUT /repos/{name}/auto-sync", s.handleAutoSync)
	mux.HandleFunc("GET /interval", s.handleGetInterval)
	mux.HandleFunc("PUT /interval", s.handleSetInterval)
	if s.secret != nil {
		mux.HandleFunc("POST /webhook/github", s.handleWebhook)
	}
	return mux
}

// Serve accepts connections on l until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", l.Addr().String(), "webhook", s.secret != nil)
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	err := s.registry.Add(r.Context(), repo.Repo{
		Name:     req.Name,
		URL:      req.URL,
		ReadOnly: req.ReadOnly,
		Disabled: req.Disabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Sync(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	var req AutoSyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.registry.SetAutoSync(r.Context(), r.PathValue("name"), req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetInterval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IntervalBody{Interval: int(s.scheduler.Interval() / time.Second)})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalBody
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if int64(req.Interval) > config.MaxInterval {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("interval must be at most %d seconds", config.MaxInterval)})
		return
	}
	if err := s.scheduler.SetInterval(time.Duration(req.Interval) * time.Second); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "ping":
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	case "push":
	default:
		s.logger.Info("ignoring webhook event", "event", eventType)
		_, _ = fmt.Fprintf(w, "Event type not handled\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.queueURLs(event.Repository.CloneURL, event.Repository.SSHURL, event.Repository.HTMLURL)
	s.debounce.trigger(s.flushPending)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

func (s *Server) queueURLs(urls ...string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, u := range urls {
		if u != "" {
			s.pending[u] = true
		}
	}
}

// flushPending forces a sync of every repository pushed to since the last
// flush
func (s *Server) flushPending() {
	s.pendingMu.Lock()
	urls := make([]string, 0, len(s.pending))
	for u := range s.pending {
		urls = append(urls, u)
	}
	s.pending = make(map[string]bool)
	s.pendingMu.Unlock()

	if len(urls) == 0 {
		return
	}

	names, err := s.registry.SyncURL(context.Background(), urls...)
	if err != nil {
		s.logger.Error("failed to schedule webhook sync", "error", err)
		return
	}
	if len(names) == 0 {
		s.logger.Info("push did not match any registered repository", "urls", urls)
		return
	}
	s.logger.Info("webhook sync scheduled", "repos", names)
}

// writeError maps registry and engine errors to status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, gitcloud.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a pending callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
