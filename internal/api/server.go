// Package api provides the HTTP front door for VoxBridge Core.
//
// It exposes the assistant-facing surface (OAuth authorization and token
// endpoints plus the single fulfillment endpoint) and a small key-guarded
// admin surface for device selection.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/controller"
	"github.com/voxbridge/voxbridge-core/internal/execute"
	"github.com/voxbridge/voxbridge-core/internal/identity"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/config"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/logging"
	"github.com/voxbridge/voxbridge-core/internal/projection"
	"github.com/voxbridge/voxbridge-core/internal/tokens"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	OAuth      config.OAuthConfig
	Bridge     config.BridgeConfig
	Logger     *logging.Logger
	Tokens     *tokens.Authority
	Engine     *execute.Engine
	Projection *projection.Builder
	Identity   *identity.Registry
	Controller *controller.Client
	Version    string
}

// Server is the HTTP front door for VoxBridge Core.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	oauthCfg   config.OAuthConfig
	bridgeCfg  config.BridgeConfig
	logger     *logging.Logger
	tokens     *tokens.Authority
	engine     *execute.Engine
	projection *projection.Builder
	identity   *identity.Registry
	controller *controller.Client
	version    string
	server     *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token authority is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("execution engine is required")
	}
	if deps.Projection == nil {
		return nil, fmt.Errorf("projection builder is required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("identity registry is required")
	}

	return &Server{
		cfg:        deps.Config,
		oauthCfg:   deps.OAuth,
		bridgeCfg:  deps.Bridge,
		logger:     deps.Logger,
		tokens:     deps.Tokens,
		engine:     deps.Engine,
		projection: deps.Projection,
		identity:   deps.Identity,
		controller: deps.Controller,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
