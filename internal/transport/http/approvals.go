package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/runforge/runforge/internal/domain"
)

// ListPendingApprovals lists prompts blocked on an operator decision.
// GET /v1/approvals
func (h *Handler) ListPendingApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.PendingApprovals())
}

// DecideApproval resolves a blocked approval prompt.
// POST /v1/approvals/:approval_id
func (h *Handler) DecideApproval(c echo.Context) error {
	var req domain.ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.svc.ResolveApproval(c.Request().Context(), c.Param("approval_id"), req); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "decided"})
}
