package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
	"github.com/JakeFAU/contest-discovery/internal/progress"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultKeepAlive      = 15 * time.Second
	readyTimeout          = 2 * time.Second
)

// Controller is the run control surface.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop() bool
	Status() discovery.RunState
	CurrentSettings(ctx context.Context) (discovery.Settings, error)
}

// Scheduler exposes the schedule driver.
type Scheduler interface {
	Next() (time.Time, bool)
	Config() discovery.CronConfig
	Reload(cfg discovery.CronConfig) error
}

// QuotaReporter reports today's quota usage.
type QuotaReporter interface {
	Usage(ctx context.Context) (discovery.QuotaRecord, error)
}

// Store is the persistence the handlers write through.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]discovery.RunRecord, error)
	PutSettings(ctx context.Context, settings discovery.Settings) error
	PutCronConfig(ctx context.Context, cfg discovery.CronConfig) error
}

// Events hands out progress subscriptions.
type Events interface {
	Subscribe(buffer int) *progress.Subscription
}

// Options wires a Server.
type Options struct {
	Controller Controller
	Scheduler  Scheduler
	Quota      QuotaReporter
	Store      Store
	Events     Events

	// Metrics records per-route request metrics when set.
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	// Ready is consulted by /readyz when set.
	Ready func(ctx context.Context) error

	RequestTimeout time.Duration
	// KeepAlive is the interval between comment frames on idle event streams.
	KeepAlive time.Duration
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the run controller, schedule and stores.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Controller == nil:
		return nil, errors.New("api: controller is required")
	case opts.Scheduler == nil:
		return nil, errors.New("api: scheduler is required")
	case opts.Quota == nil:
		return nil, errors.New("api: quota reporter is required")
	case opts.Store == nil:
		return nil, errors.New("api: store is required")
	case opts.Events == nil:
		return nil, errors.New("api: events source is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1/discovery", func(r chi.Router) {
		// Streams are long-lived and stay outside the request timeout.
		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/start", s.startRun)
			r.Post("/stop", s.stopRun)
			r.Get("/status", s.getStatus)
			r.Get("/settings", s.getSettings)
			r.Put("/settings", s.putSettings)
			r.Get("/history", s.getHistory)
			r.Get("/cron", s.getCron)
			r.Put("/cron", s.putCron)
			r.Get("/quota", s.getQuota)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
