// Package httpapi exposes the Lifecycle Controller over HTTP: a thin
// net/http.ServeMux adapter implementing the Controller API operation
// set (spec.md §6) plus the error-code mapping of §7. Grounded on the
// teacher's cmd/aima/main.go (http.ServeMux, explicit http.Server with
// read/write/idle timeouts, JSON envelopes for success and error
// responses). Deliberately thin: auth and any broader API gateway are
// named out-of-scope collaborators.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dyad-run/clc/internal/eventbus"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/logx"
	"github.com/dyad-run/clc/internal/ratelimit"
	"github.com/dyad-run/clc/internal/requestmetrics"
)

// Server adapts a lifecycle.Controller to HTTP.
type Server struct {
	controller lifecycle.Controller
	bus        eventbus.EventBus // optional; nil disables the persisted-events fallback
	mux        *http.ServeMux
	metrics    *requestmetrics.RequestMetrics
	startLimit ratelimit.Limiter
}

// New builds a Server wired to controller. Callers embed the returned
// mux in their own http.Server (see cmd/controllerd). bus may be nil;
// when non-nil and backed by a durable store (eventbus.Querier),
// handleEvents falls back to it when the Controller's own Events for an
// app come back empty. Every request is wrapped with
// request-latency/error tracking and request/app-id log correlation,
// and POST start is additionally rate-limited per appId (at most 2
// start attempts per second, burst of 5) so a retrying client can't
// force repeated engine Run invocations for one app.
func New(controller lifecycle.Controller, bus eventbus.EventBus) *Server {
	s := &Server{
		controller: controller,
		bus:        bus,
		mux:        http.NewServeMux(),
		metrics:    requestmetrics.New(),
		startLimit: ratelimit.New(2, 5),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.route("GET /apps/{appId}/status", s.requestContext(s.handleStatus))
	s.route("POST /apps/{appId}/start", s.requestContext(s.rateLimitStart(s.handleStart)))
	s.route("POST /apps/{appId}/stop", s.requestContext(s.handleStop))
	s.route("DELETE /apps/{appId}/remove", s.requestContext(s.handleRemove))
	s.route("GET /apps/{appId}/logs/history", s.requestContext(s.handleLogsHistory))
	s.route("GET /apps/{appId}/logs/stream", s.requestContext(s.handleLogsStream))
	s.route("GET /apps/{appId}/events", s.requestContext(s.handleEvents))
	s.route("POST /apps/{appId}/exec", s.requestContext(s.handleExec))
}

// route registers handler at pattern wrapped with instrument, tagging
// metrics with pattern itself as the route label (fixed cardinality,
// unlike the appId path segment it contains).
func (s *Server) route(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.instrument(pattern, handler))
}

// requestContext stamps every request with a request id (surfaced as
// X-Request-Id) and the path's appId, both threaded through the
// context so every log line emitted while handling the request
// carries them via logx.WithContext.
func (s *Server) requestContext(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := logx.SetRequestID(r.Context(), reqID)
		if appID := r.PathValue("appId"); appID != "" {
			ctx = logx.SetAppID(ctx, appID)
		}
		w.Header().Set("X-Request-Id", reqID)
		next(w, r.WithContext(ctx))
	}
}

// instrument wraps a handler with request-latency and error-rate
// tracking for route, broken out per route and per appId, exposed via
// handleMetrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.Record(route, r.PathValue("appId"), time.Since(start), rec.status >= 400)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets statusRecorder pass through to the underlying
// ResponseWriter's http.Flusher, which the SSE log-stream handler
// needs and which embedding the http.ResponseWriter interface alone
// does not promote.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// rateLimitStart denies a start attempt for appId once its token
// bucket is exhausted, returning 429 rather than forwarding to the
// controller.
func (s *Server) rateLimitStart(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID := r.PathValue("appId")
		allowed, err := s.startLimit.Allow(appID)
		if err != nil || !allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "too many start attempts for this app",
				"code":  "rate_limited",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	State          string    `json:"state"`
	Port           int       `json:"port"`
	ReadyAt        time.Time `json:"readyAt,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	InactiveFor    string    `json:"inactiveFor"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	status, err := s.controller.Status(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:          status.State.String(),
		Port:           status.Port,
		ReadyAt:        status.ReadyAt,
		LastActivityAt: status.LastActivityAt,
		InactiveFor:    status.InactiveFor.String(),
	})
}

type startRequest struct {
	AppPath        string   `json:"appPath"`
	InstallCommand []string `json:"installCommand"`
	StartCommand   []string `json:"startCommand"`
}

type startResponse struct {
	Port  int  `json:"port"`
	Ready bool `json:"ready"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "code": "bad_request"})
			return
		}
	}

	result, err := s.controller.GetOrStart(r.Context(), appID, lifecycle.StartSpec{
		AppPath:        req.AppPath,
		InstallCommand: req.InstallCommand,
		StartCommand:   req.StartCommand,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Port: result.Port, Ready: result.Ready})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	if err := s.controller.Stop(r.Context(), appID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	if err := s.controller.Remove(r.Context(), appID); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.Forget(appID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogsHistory(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	opts := lifecycle.LogOptions{}
	if tail := r.URL.Query().Get("tail"); tail != "" {
		if n, err := strconv.Atoi(tail); err == nil {
			opts.Tail = n
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}

	text, err := s.controller.Logs(r.Context(), appID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// handleLogsStream serves a server-sent-events stream of LogLine
// records, terminated by a {"type":"end"} sentinel once the upstream
// channel closes (spec.md §6).
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	opts := lifecycle.LogOptions{Follow: true}
	if tail := r.URL.Query().Get("tail"); tail != "" {
		if n, err := strconv.Atoi(tail); err == nil {
			opts.Tail = n
		}
	}
	if r.URL.Query().Get("follow") == "false" {
		opts.Follow = false
	}

	lines, err := s.controller.StreamLogs(r.Context(), appID, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-lines:
			if !open {
				fmt.Fprintf(w, "data: %s\n\n", `{"type":"end"}`)
				flusher.Flush()
				return
			}
			payload, _ := json.Marshal(map[string]any{
				"timestamp": line.Timestamp.Format(time.RFC3339Nano),
				"level":     logLevel(line.Kind),
				"message":   line.Message,
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func logLevel(kind string) string {
	if kind == "stderr" {
		return "error"
	}
	return "info"
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	events, err := s.controller.Events(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(events) == 0 {
		events = s.queryPersistedEvents(r, appID)
	}

	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{"type": e.Type, "at": e.At.Format(time.RFC3339Nano)})
	}
	writeJSON(w, http.StatusOK, out)
}

// queryPersistedEvents falls back to the durable audit log (if any) for
// appId's history when the controller's own Events() comes back empty.
// DockerController reads that history from the engine: the SDK engine
// reports none, and the CLI engine only the last 24 hours.
func (s *Server) queryPersistedEvents(r *http.Request, appID string) []lifecycle.Event {
	querier, ok := s.bus.(eventbus.Querier)
	if !ok {
		return nil
	}
	stored, err := querier.Query(r.Context(), eventbus.EventQueryFilter{AppID: appID, Limit: 200})
	if err != nil {
		logx.WithContext(r.Context()).Warn("events: persisted query failed", "error", err)
		return nil
	}
	out := make([]lifecycle.Event, 0, len(stored))
	for _, e := range stored {
		out = append(out, lifecycle.Event{Type: e.Type, At: e.At})
	}
	return out
}

type execRequest struct {
	Argv []string `json:"argv"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "code": "bad_request"})
		return
	}

	result, err := s.controller.Exec(r.Context(), appID, req.Argv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logx.Warn("httpapi: failed to encode response", "error", err)
	}
}
