package internalapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WatchRunEventsWS streams the run's log over a WebSocket: replay from
// `from`, then live appends. Each event is one JSON text message. The
// connection closes after a terminal event.
// GET /internal/runs/:run_id/events/ws?from=0
func (h *Handler) WatchRunEventsWS(c echo.Context) error {
	runID := c.Param("run_id")
	from, err := queryInt64(c, "from", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be an integer"})
	}

	ctx := c.Request().Context()
	ch, cancel, err := h.svc.WatchEvents(ctx, runID, from)
	if err != nil {
		return fail(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()
		defer ws.Close()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		// Drain the reader so control frames are processed.
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch closed"),
						time.Now().Add(writeTimeout))
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(event); err != nil {
					return
				}
				if event.Type.IsTerminal() {
					ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run terminal"),
						time.Now().Add(writeTimeout))
					return
				}
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	return nil
}
