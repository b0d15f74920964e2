package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/runforge/runforge/internal/domain"
)

// StartRun launches a fresh run.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	resp, err := h.svc.StartRun(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRun returns a run's registry state.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.svc.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun requests cooperative cancellation.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = c.Bind(&req)
	if err := h.svc.CancelRun(c.Request().Context(), c.Param("run_id"), req.Reason); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// ForkRun copies a prefix of the run into a new run and launches it.
// POST /v1/runs/:run_id/fork
func (h *Handler) ForkRun(c echo.Context) error {
	var req domain.ForkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	resp, err := h.svc.Fork(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// SendInput queues text for the run's next turn boundary.
// POST /v1/runs/:run_id/input
func (h *Handler) SendInput(c echo.Context) error {
	var req domain.SendInputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.svc.SendInput(c.Request().Context(), c.Param("run_id"), req); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "queued"})
}

// WaitRun blocks until the run is terminal or the timeout elapses.
// POST /v1/runs/:run_id/wait
func (h *Handler) WaitRun(c echo.Context) error {
	var req domain.WaitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	resp, err := h.svc.Wait(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ListChildren lists a run's spawned children.
// GET /v1/runs/:run_id/children
func (h *Handler) ListChildren(c echo.Context) error {
	children, err := h.svc.ListChildRuns(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, children)
}

// SpawnRun starts a child run under a parent.
// POST /v1/runs/spawn
func (h *Handler) SpawnRun(c echo.Context) error {
	var req domain.SpawnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	resp, err := h.svc.Spawn(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
