// Package http provides the external v1 HTTP API.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/service"
)

// Handler handles external HTTP requests.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/runs/:run_id/fork", h.ForkRun)
	e.POST("/v1/runs/:run_id/input", h.SendInput)
	e.POST("/v1/runs/:run_id/wait", h.WaitRun)
	e.GET("/v1/runs/:run_id/children", h.ListChildren)
	e.POST("/v1/runs/spawn", h.SpawnRun)

	e.GET("/v1/approvals", h.ListPendingApprovals)
	e.POST("/v1/approvals/:approval_id", h.DecideApproval)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// fail maps a domain error onto an HTTP status and error body.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindPermission:
		status = http.StatusForbidden
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
