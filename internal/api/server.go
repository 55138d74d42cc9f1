package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/cache"
	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
	"github.com/JakeFAU/venue-enrichment/internal/progress"
	"github.com/JakeFAU/venue-enrichment/internal/ratelimit"
	"github.com/JakeFAU/venue-enrichment/internal/scheduler"
	"github.com/JakeFAU/venue-enrichment/internal/store"
	"github.com/JakeFAU/venue-enrichment/internal/watchdog"
)

const maxSubmitBytes = 16 << 20

// SessionRunner starts sessions and reports live progress.
type SessionRunner interface {
	Submit(ctx context.Context, name string, items []enrich.WorkItem) (string, <-chan scheduler.Report, error)
	Progress(sessionID string) (progress.Snapshot, bool)
}

// Reconciler runs one watchdog sweep.
type Reconciler interface {
	Reconcile(ctx context.Context) (watchdog.Report, error)
}

// LimiterStats exposes per-source limiter state.
type LimiterStats interface {
	AllStats() []ratelimit.Stats
}

// CacheAdmin exposes cache statistics and clearing.
type CacheAdmin interface {
	Stats() cache.Stats
	Clear()
}

// Deps are the collaborators behind the routes. Nil optional deps make their
// routes answer 404.
type Deps struct {
	Store    store.Store
	Runner   SessionRunner
	Watchdog Reconciler
	Limits   LimiterStats
	Cache    CacheAdmin
}

// Options tunes the HTTP layer.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler, store, and watchdog.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.submitSession)
			r.Get("/", s.listSessions)
			r.Get("/{session_id}", s.getSession)
		})
		r.Post("/watchdog/run", s.runWatchdog)
		r.Get("/ratelimits", s.rateLimits)
		r.Get("/cache/stats", s.cacheStats)
		r.Delete("/cache", s.clearCache)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Store == nil || s.deps.Runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type itemRequest struct {
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Endpoints map[string]string `json:"endpoints"`
}

type submitRequest struct {
	Name  string        `json:"name"`
	Items []itemRequest `json:"items"`
}

func (s *Server) submitSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		s.writeError(w, http.StatusNotFound, "session runner not configured")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	items, err := toWorkItems(req.Items)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "api"
	}
	id, _, err := s.deps.Runner.Submit(r.Context(), name, items)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "total": len(items)})
}

func toWorkItems(reqs []itemRequest) ([]enrich.WorkItem, error) {
	if len(reqs) == 0 {
		return nil, errors.New("items required")
	}
	items := make([]enrich.WorkItem, len(reqs))
	for i, req := range reqs {
		item := enrich.WorkItem{
			Name:      strings.TrimSpace(req.Name),
			Address:   strings.TrimSpace(req.Address),
			Endpoints: req.Endpoints,
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items[i] = item
	}
	return items, nil
}

type sessionResponse struct {
	Session  enrich.SessionState `json:"session"`
	Stats    enrich.SessionStats `json:"stats"`
	Progress *progress.Snapshot  `json:"progress,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "store not configured")
		return
	}
	id := chi.URLParam(r, "session_id")
	sess, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	stats, err := s.deps.Store.GetSessionStats(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load session stats")
		return
	}
	resp := sessionResponse{Session: sess, Stats: stats}
	if s.deps.Runner != nil {
		if snap, ok := s.deps.Runner.Progress(id); ok {
			resp.Progress = &snap
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "store not configured")
		return
	}
	status := enrich.SessionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = enrich.SessionProcessing
	}
	switch status {
	case enrich.SessionProcessing, enrich.SessionCompleted, enrich.SessionFailed:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	sessions, err := s.deps.Store.ListActiveSessions(r.Context(), status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []enrich.SessionState{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) runWatchdog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		s.writeError(w, http.StatusNotFound, "watchdog not configured")
		return
	}
	report, err := s.deps.Watchdog.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) rateLimits(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Limits == nil {
		s.writeError(w, http.StatusNotFound, "rate limiter not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.deps.Limits.AllStats()})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		s.writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		s.writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	s.deps.Cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
