// Package server exposes the control API, the generated routes and the
// operational endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/schema"
	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/logging"
	"github.com/kebapi/kebapi/internal/metrics"
	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/internal/service"
	"github.com/kebapi/kebapi/internal/store"
)

// Version is reported by /health and the CLI.
const Version = "2.0.0"

var schemaDecoder = schema.NewDecoder()

func init() {
	schemaDecoder.IgnoreUnknownKeys(true)
}

// Server wires the HTTP routes.
type Server struct {
	cfg      *config.Config
	svc      *service.Service
	registry *registry.Registry
	store    store.Store
	verifier auth.Verifier
	metrics  *metrics.Recorder
	logger   *zap.Logger
	router   chi.Router
}

type Deps struct {
	Config   *config.Config
	Service  *service.Service
	Registry *registry.Registry
	Store    store.Store
	Verifier auth.Verifier
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
}

// New constructs a Server with routes registered.
func New(d Deps) (*Server, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is nil")
	case d.Service == nil:
		return nil, errors.New("service is nil")
	case d.Registry == nil:
		return nil, errors.New("registry is nil")
	case d.Store == nil:
		return nil, errors.New("store is nil")
	case d.Verifier == nil:
		return nil, errors.New("verifier is nil")
	}
	s := &Server{
		cfg:      d.Config,
		svc:      d.Service,
		registry: d.Registry,
		store:    d.Store,
		verifier: d.Verifier,
		metrics:  d.Metrics,
		logger:   logging.OrNop(d.Logger),
		router:   chi.NewRouter(),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", srv.Addr), zap.String("public_url", s.cfg.Server.PublicURL))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, apierr.Errorf(apierr.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, apierr.Errorf(apierr.CodeMethodNotAllowed, "method %s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/api/marketplace", s.handleMarketplace)
	r.Get("/api/openapi.yaml", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(auth.Require(s.verifier))
		r.Post("/api/create-endpoint", s.handleCreateEndpoint)
		r.Post("/api/create-from-dataset", s.handleCreateFromDataset)
		r.Post("/api/reload-endpoints", s.handleReload)
		r.Get("/api/endpoints", s.handleListEndpoints)
		r.Delete("/api/endpoints/{id}", s.handleDeleteEndpoint)
		r.Get("/api/datasets/{id}", s.handleGetDataset)
	})

	// Everything else under /api belongs to generated endpoints; the registry
	// refuses endpoints overlapping the routes above (registry.ControlRoutes).
	r.With(auth.Optional(s.verifier)).Handle("/api/*", s.registry)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		logger := s.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(logging.With(r.Context(), logger)))
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
