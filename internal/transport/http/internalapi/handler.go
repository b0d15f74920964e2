// Package internalapi provides the event-plane HTTP API. It is bound to the
// internal port and is not exposed to external callers.
package internalapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/service"
)

// Handler handles internal event-plane requests.
type Handler struct {
	svc      *service.Service
	upgrader websocket.Upgrader
}

// NewHandler creates a new internal API handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The internal port is network-isolated.
				return true
			},
		},
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/internal/runs/:run_id/events", h.GetRunEvents)
	e.GET("/internal/runs/:run_id/events/tail", h.GetRunTail)
	e.GET("/internal/runs/:run_id/events/stream", h.StreamRunEvents)
	e.GET("/internal/runs/:run_id/events/ws", h.WatchRunEventsWS)
}

// NewServer builds the internal echo server.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	h.RegisterRoutes(e)
	return e
}

func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
