// Package api is the HTTP and WebSocket surface of the gateway. Handlers
// are thin: they decode, run the policy chain, call into the domain
// packages, and encode. All error mapping lives in mapError.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/agentic"
	"github.com/cortexops/gantry/pkg/config"
	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/registry"
	"github.com/cortexops/gantry/pkg/routing"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

// Deps collects everything the server serves from. All fields are
// required except Direct, which may be nil when no upstream API key is
// configured.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Pool     *pool.WorkerPool
	Policy   *policy.Policy
	Router   *routing.Router
	Direct   *direct.Client
	Executor *agentic.Executor
	Tracker  *usage.Tracker
}

// Server owns the echo instance and the listener lifecycle.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	echo *echo.Echo
	http *http.Server

	ready     atomic.Bool
	startedAt time.Time
}

// NewServer builds the server and registers all routes.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
	}

	e := echo.New()
	e.HTTPErrorHandler = errorHandler
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))

	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)

	e.POST("/v1/chat/completions", s.chatHandler)
	e.POST("/v1/batch", s.batchHandler)
	e.POST("/v1/route", s.routeHandler)
	e.GET("/v1/usage", s.usageHandler)
	e.POST("/v1/task", s.taskHandler)
	e.POST("/v1/process", s.processHandler)
	e.GET("/v1/providers", s.providersHandler)
	e.GET("/v1/providers/:provider/models", s.providerModelsHandler)
	e.GET("/v1/capabilities", s.capabilitiesHandler)
	e.GET("/v1/stream", s.streamHandler)

	admin := e.Group("/admin")
	admin.Use(s.adminGuard())
	admin.POST("/keys", s.createKeyHandler)
	admin.GET("/keys", s.listKeysHandler)
	admin.DELETE("/keys/:key", s.revokeKeyHandler)
	admin.PUT("/projects/:id", s.putProjectHandler)
	admin.GET("/audit", s.auditHandler)

	s.echo = e
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called. Blocking.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.ready.Store(true)
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// MarkNotReady flips the readiness probe before draining begins.
func (s *Server) MarkNotReady() {
	s.ready.Store(false)
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.http.Shutdown(ctx)
}

// authenticate runs the bearer-token and rate-limit checks shared by
// every non-admin endpoint.
func (s *Server) authenticate(ctx context.Context, c *echo.Context) (*policy.Identity, error) {
	id, err := s.deps.Policy.Authenticate(ctx, bearerToken(c))
	if err != nil {
		return nil, err
	}
	if err := s.deps.Policy.RateLimit(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}
