// Package web serves column detection, streaming enhancement and CSV export over HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shpitdev/meta-enhancer/internal/app"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes bounds request bodies when Options leaves it unset.
const DefaultMaxUploadBytes = 10 << 20

// CallerHeader identifies the caller for quota accounting.
const CallerHeader = "X-Caller-ID"

const anonymousCaller = "anonymous"

type Options struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server is the HTTP front end for a Runner.
type Server struct {
	runner    *app.Runner
	logger    *zap.Logger
	maxUpload int64
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates a new Server instance.
func NewServer(runner *app.Runner, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		runner:    runner,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Enhancement streams for as long as the run takes.
		r.Post("/enhance", s.handleEnhance)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/detect", s.handleDetect)
			r.Post("/export", s.handleExport)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // Disabled for SSE
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
