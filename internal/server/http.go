// Package server assembles the HTTP API: middleware, routes, lifecycle.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	chainhandler "compliance-audit-plane/backend/internal/hashchain/handler"
	healthhandler "compliance-audit-plane/backend/internal/health/handler"
)

// Server wraps the Echo instance with its lifecycle.
type Server struct {
	Echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

// New builds the Echo server with middleware and registers all routes.
func New(addr string, logger *slog.Logger, chain *chainhandler.Handler, health *healthhandler.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware("audit-chain"))
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	health.Register(e)
	chain.Register(e.Group("/v1"))

	return &Server{Echo: e, addr: addr, logger: logger}
}

// Start starts the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting server", slog.String("addr", s.addr))
		if err := s.Echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("failed to start server",
				slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the server, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("stopping server")
	if err := s.Echo.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("server stopped gracefully")
	}
}
