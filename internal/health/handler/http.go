// Package handler serves liveness and readiness checks.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger reports storage reachability (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// Handler serves GET /healthz.
type Handler struct {
	pinger Pinger
	logger *slog.Logger
}

// New returns a health Handler. pinger may be nil (e.g. in-memory storage);
// then the DB check is skipped.
func New(pinger Pinger, logger *slog.Logger) *Handler {
	return &Handler{pinger: pinger, logger: logger}
}

// Register wires the health route onto e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Check)
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// Check returns 200 when the service can take traffic, 503 when storage is
// unreachable.
func (h *Handler) Check(c echo.Context) error {
	if h.pinger == nil {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
	defer cancel()
	if err := h.pinger.PingContext(ctx); err != nil {
		h.logger.Error("health check: database unreachable",
			slog.String("error", err.Error()))
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}
