// Package api exposes the control surface: rule listing and creation,
// toggles, capture and recording switches, and a live preview.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/inference"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
	"github.com/mikeyg42/seedo/internal/seedo"
)

// Recorder is the capture side the API drives.
type Recorder interface {
	Latest() *camera.Frame
	Cell() *camera.Cell
	StartCapture()
	StopCapture()
	Active() bool
	StartRecording()
	StopRecording()
	Recording() bool
	GetMetrics() map[string]interface{}
}

// Rules is the rule registry.
type Rules interface {
	Add(ctx context.Context, rule *seedo.Rule) error
	Get(name string) (*seedo.Rule, error)
	List() []*seedo.Rule
	Toggle(ctx context.Context, name string) (bool, error)
}

// HealthChecker is a backing service checked by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MetricsSource is anything reporting counters for /api/status.
type MetricsSource interface {
	GetMetrics() map[string]interface{}
}

type Options struct {
	Addr        string
	PreviewFPS  float64
	JPEGQuality int
	// ImageDir receives reference crops for similarity rules.
	ImageDir string
	// Embedder captures region references; nil disables creating
	// similarity rules without inline embeddings.
	Embedder inference.Embedder
	Metrics  map[string]MetricsSource
	Health   map[string]HealthChecker
	// Archive backs the per-rule evidence listing; nil disables it.
	Archive storage.ObjectStore
	// Mutations per IP per minute. Zero means 30.
	RateLimit int
	Logger    *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	recorder   Recorder
	rules      Rules
	opts       Options
	limiter    *RateLimiter
	logger     *zap.Logger
}

// NewServer wires the routes. ctx bounds the rate limiter's cleanup loop
// and every preview stream.
func NewServer(ctx context.Context, rec Recorder, rules Rules, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.L().Named("api")
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}

	s := &Server{
		mux:      http.NewServeMux(),
		recorder: rec,
		rules:    rules,
		opts:     opts,
		limiter:  NewRateLimiter(ctx, opts.RateLimit, time.Minute),
		logger:   opts.Logger,
	}
	s.routes(ctx)

	s.httpServer = &http.Server{
		Addr:           opts.Addr,
		Handler:        corsMiddleware(s.mux),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}
	return s
}

func (s *Server) routes(ctx context.Context) {
	limit := s.limiter.Middleware

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("GET /api/rules/{name}", s.handleGetRule)
	s.mux.HandleFunc("GET /api/rules/{name}/archive", s.handleListArchive)
	s.mux.HandleFunc("POST /api/rules", limit(s.handleCreateRule))
	s.mux.HandleFunc("POST /api/rules/{name}/toggle", limit(s.handleToggleRule))
	s.mux.HandleFunc("POST /api/capture/{op}", limit(s.handleCapture))
	s.mux.HandleFunc("POST /api/recording/{op}", limit(s.handleRecording))
	s.mux.HandleFunc("GET /api/frame/latest.jpg", s.handleLatestFrame)
	s.mux.Handle("GET /ws/preview", s.previewHandler(ctx))
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// corsMiddleware adds CORS headers for local dashboards
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:8080": true,
		"http://localhost:3000": true,
		"http://127.0.0.1:8080": true,
		"http://127.0.0.1:3000": true,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}
