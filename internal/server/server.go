package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/ratelimit"
	"github.com/user/translateq/internal/scheduler"
)

// Queue is the scheduler surface the HTTP API needs.
type Queue interface {
	Submit(kind job.Kind, raw json.RawMessage, priority job.Priority) (string, error)
	GetStatus(id string) (job.Snapshot, error)
	ListQueue() scheduler.QueueView
	Cancel(id string) error
	Watch(id string) (<-chan job.Snapshot, func(), error)
}

// ControllerState exposes the rate-limit controller for operators.
type ControllerState interface {
	Snapshot() ratelimit.State
}

// Config holds HTTP server configuration.
type Config struct {
	BindAddr     string
	SSEKeepalive time.Duration // default 15s
	RateLimit    RateLimitConfig
}

// Server is the HTTP server for translateq.
type Server struct {
	queue      Queue
	ctrl       ControllerState
	config     Config
	limiter    *rateLimiter
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(q Queue, ctrl ControllerState, config Config) *Server {
	if config.SSEKeepalive <= 0 {
		config.SSEKeepalive = 15 * time.Second
	}
	srv := &Server{queue: q, ctrl: ctrl, config: config}
	srv.limiter = newRateLimiter(config.RateLimit)
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              config.BindAddr,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)

		r.Post("/translate/{kind}", s.handleSubmit)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)

		r.Get("/queue", s.handleListQueue)
		r.Get("/ratelimit", s.handleRateLimit)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start begins listening for HTTP requests. HTTP/2 cleartext is accepted
// alongside HTTP/1.1.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.limiter.close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
