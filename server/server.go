// Package server exposes the prediction service, the run store and the
// model registry over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/serving"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// maxBodyBytes caps request bodies on /predict.
const maxBodyBytes = 1 << 20

// Server wires HTTP routes onto the serving and tracking components.
type Server struct {
	svc      *serving.Service
	store    tracking.Store
	registry registry.Registry
	logger   log.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry enables the /models routes.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithLogger sets the request logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server. store backs the /runs routes.
func New(svc *serving.Service, store tracking.Store, opts ...Option) *Server {
	s := &Server{svc: svc, store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger().With(log.ComponentKey, "server")
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHome)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Post("/predict", s.handlePredict)
	r.Post("/reload", s.handleReload)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/attachments/{name}", s.handleGetAttachment)
	})
	r.Get("/models/{name}/versions", s.handleListVersions)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			log.DurationMsKey, time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
