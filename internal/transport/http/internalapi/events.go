package internalapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/runforge/runforge/internal/domain"
)

// GetRunEvents reads a range of the run's log.
// GET /internal/runs/:run_id/events?from=0&to=-1
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	from, err := queryInt64(c, "from", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be an integer"})
	}
	to, err := queryInt64(c, "to", -1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "to must be an integer"})
	}

	events, err := h.svc.ReadEvents(c.Request().Context(), runID, from, to)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"events": events,
	})
}

// GetRunTail reports the run's highest index, -1 when the log is empty.
// GET /internal/runs/:run_id/events/tail
func (h *Handler) GetRunTail(c echo.Context) error {
	runID := c.Param("run_id")
	tail, err := h.svc.TailIndex(c.Request().Context(), runID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"tail":   tail,
	})
}

// StreamRunEvents streams the run's log via SSE: replay from `from`, then
// live appends. The stream closes after a terminal event or when the client
// disconnects.
// GET /internal/runs/:run_id/events/stream?from=0
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	from, err := queryInt64(c, "from", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be an integer"})
	}

	ch, cancel, err := h.svc.WatchEvents(ctx, runID, from)
	if err != nil {
		return fail(c, err)
	}
	defer cancel()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sendSSEEvent(c, event); err != nil {
				return nil
			}
			if event.Type.IsTerminal() {
				return nil
			}
		}
	}
}

// sendSSEEvent writes one event in SSE format and flushes.
func sendSSEEvent(c echo.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func queryInt64(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
