package service

import (
	"context"

	"github.com/runforge/runforge/internal/domain"
)

// ResolveApproval delivers an operator decision to a blocked prompt.
// Deciding an already-decided approval is a conflict.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, req domain.ApprovalDecisionRequest) error {
	if req.Decision != domain.DecisionApproved && req.Decision != domain.DecisionDenied {
		return domain.Errorf(domain.KindValidation, "decision must be approved or denied")
	}
	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeSingleCall
	}
	if scope != domain.ScopeSingleCall && scope != domain.ScopeSession {
		return domain.Errorf(domain.KindValidation, "scope must be single_call or session")
	}

	if err := s.broker.Resolve(approvalID, domain.ApprovalResolution{
		Decision:  req.Decision,
		Scope:     scope,
		DecidedBy: req.DecidedBy,
		Reason:    req.Reason,
	}); err != nil {
		// Distinguish never-existed from already-decided via the registry.
		if rec, recErr := s.registry.GetApproval(ctx, approvalID); recErr == nil && rec.State != domain.ApprovalStateRequested {
			return domain.Errorf(domain.KindConflict, "approval %s is already decided", approvalID)
		}
		return err
	}
	s.log.Info("approval resolved", "approval_id", approvalID, "decision", req.Decision, "scope", scope)
	return nil
}

// PendingApprovals lists prompts blocked on an operator decision.
func (s *Service) PendingApprovals() []domain.ApprovalPrompt {
	return s.broker.Pending()
}
