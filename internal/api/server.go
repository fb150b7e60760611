package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mattjoyce/codegate/internal/auth"
	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/events"
	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/metrics"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/registry"
)

// Executor runs and tracks jobs.
type Executor interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	Cancel(id string) bool
	Health() dispatch.HealthSnapshot
	Active() []registry.Info
}

// ProviderLister lists configured providers.
type ProviderLister interface {
	List() []provider.Info
}

// HistoryReader reads finished executions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens is the list of accepted bearer tokens with their scopes.
	Tokens []auth.TokenConfig
	// MaxBodyBytes bounds /api/execute request bodies.
	MaxBodyBytes int64
	// WriteTimeout must outlast the longest job.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	executor  Executor
	providers ProviderLister
	events    *events.Hub
	metrics   *metrics.Collector
	history   HistoryReader
	schema    *jsonschema.Schema
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new API server instance
func New(config Config, executor Executor, providers ProviderLister, hub *events.Hub, logger *slog.Logger) (*Server, error) {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 20
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 11 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	schema, err := compileExecuteSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		config:    config,
		executor:  executor,
		providers: providers,
		events:    hub,
		schema:    schema,
		logger:    logger,
	}, nil
}

// WithMetrics exposes /metrics and instruments every route.
func (s *Server) WithMetrics(m *metrics.Collector) *Server {
	s.metrics = m
	return s
}

// WithHistory enables /api/history.
func (s *Server) WithHistory(h HistoryReader) *Server {
	s.history = h
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeExecute)).Post("/execute", s.handleExecute)
		r.With(s.requireScopes(auth.ScopeCancel)).Post("/cancel/{requestId}", s.handleCancel)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/providers", s.handleProviders)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/executions", s.handleExecutions)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/history", s.handleHistory)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/openapi.json", s.handleOpenAPI)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeErrorCode(w, http.StatusUnauthorized, "AUTH_ERROR", err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.Tokens)
		if !ok {
			s.logger.Warn("rejected bearer token", "token_id", auth.Fingerprint(token), "path", r.URL.Path)
			s.writeErrorCode(w, http.StatusUnauthorized, "AUTH_ERROR", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.Allows(scopes...) {
				s.logger.Info("insufficient scope", "token_id", principal.ID, "path", r.URL.Path, "required", scopes)
				s.writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
