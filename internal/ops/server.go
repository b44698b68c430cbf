// Package ops exposes the operational HTTP surface: health probes, the
// Prometheus scrape endpoint, and read-only stream and proxy status.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/proxy"
	"github.com/feedsentry/feedsentry/internal/scrape"
	"github.com/feedsentry/feedsentry/internal/stream"
)

// StreamDirectory is the read side of the orchestrator.
type StreamDirectory interface {
	List(ctx context.Context) ([]stream.Descriptor, error)
	Get(ctx context.Context, id string) (stream.Descriptor, error)
	History(id string) []scrape.Item
}

// ProxyReporter snapshots proxy health.
type ProxyReporter interface {
	Stats() []proxy.ProxyStats
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, gates every route behind an X-API-Key check.
	APIKey string
	// RequestTimeout bounds each request (default 30s).
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and proxy pool.
type Server struct {
	router  chi.Router
	streams StreamDirectory
	proxies ProxyReporter
	log     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(streams StreamDirectory, proxies ProxyReporter, cfg Config, log *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		streams: streams,
		proxies: proxies,
		log:     log.Named("ops"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/streams", s.listStreams)
		r.Route("/streams/{stream_id}", func(r chi.Router) {
			r.Get("/", s.getStream)
			r.Get("/history", s.getHistory)
		})
		r.Get("/proxies", s.listProxies)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ready"})
}

// streamView is the wire shape of a stream descriptor.
type streamView struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Target            string     `json:"target"`
	IntervalSeconds   int        `json:"interval_seconds"`
	Status            string     `json:"status"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastPollAt        *time.Time `json:"last_poll_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UseProxy          bool       `json:"use_proxy"`
}

func toStreamView(d stream.Descriptor) streamView {
	v := streamView{
		ID:                d.ID,
		Type:              string(d.Type),
		Target:            d.Target,
		IntervalSeconds:   int(d.Interval / time.Second),
		Status:            string(d.Status),
		ConsecutiveErrors: d.ConsecutiveErrors,
		CreatedAt:         d.CreatedAt,
		UseProxy:          d.UseProxy,
	}
	if !d.LastPollAt.IsZero() {
		last := d.LastPollAt
		v.LastPollAt = &last
	}
	return v
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	descs, err := s.streams.List(r.Context())
	if err != nil {
		s.log.Error("list streams failed", zap.Error(err))
		writeError(s.log, w, http.StatusInternalServerError, "list streams failed")
		return
	}
	views := make([]streamView, 0, len(descs))
	for _, d := range descs {
		views = append(views, toStreamView(d))
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"streams": views})
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	d, err := s.streams.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			writeError(s.log, w, http.StatusNotFound, "stream not found")
			return
		}
		s.log.Error("get stream failed", zap.String("stream_id", id), zap.Error(err))
		writeError(s.log, w, http.StatusInternalServerError, "get stream failed")
		return
	}
	writeJSON(s.log, w, http.StatusOK, toStreamView(d))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if _, err := s.streams.Get(r.Context(), id); err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			writeError(s.log, w, http.StatusNotFound, "stream not found")
			return
		}
		s.log.Error("get stream failed", zap.String("stream_id", id), zap.Error(err))
		writeError(s.log, w, http.StatusInternalServerError, "get stream failed")
		return
	}
	items := s.streams.History(id)
	if items == nil {
		items = []scrape.Item{}
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"stream_id": id, "items": items})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	stats := s.proxies.Stats()
	if stats == nil {
		stats = []proxy.ProxyStats{}
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"proxies": stats})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				writeError(s.log, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(log *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(log, w, status, map[string]string{"error": msg})
}
