package service

import (
	"context"
	"time"

	"github.com/runforge/runforge/internal/domain"
)

// StartRun launches a fresh top-level run.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	if req.Task == "" {
		return nil, domain.Errorf(domain.KindValidation, "task is required")
	}
	workspace := req.WorkspaceRoot
	if workspace == "" {
		workspace = s.defaultWorkspace
	}
	runID, err := s.coordinator.StartRoot(ctx, req.Task, workspace)
	if err != nil {
		return nil, err
	}
	s.log.Info("run started", "run_id", runID)
	return &domain.StartRunResponse{RunID: runID, Status: domain.RunStatusRunning}, nil
}

// GetRun returns the registry row for a run.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.registry.GetRun(ctx, runID)
}

// CancelRun requests cooperative cancellation; the run finalizes at its
// next turn boundary.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) error {
	return s.coordinator.Close(ctx, runID, reason)
}

// Fork copies runID's prefix through upToIndex into a new run and launches
// it with replay resume.
func (s *Service) Fork(ctx context.Context, runID string, req domain.ForkRequest) (*domain.ForkResponse, error) {
	fp, err := s.forks.Fork(ctx, runID, req.UpToIndex)
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.Resume(ctx, fp.DstRunID); err != nil {
		return nil, err
	}
	s.log.Info("run forked", "src_run_id", fp.SrcRunID, "dst_run_id", fp.DstRunID, "up_to_index", fp.UpToIndex)
	return &domain.ForkResponse{
		SrcRunID:  fp.SrcRunID,
		UpToIndex: fp.UpToIndex,
		DstRunID:  fp.DstRunID,
	}, nil
}

// SendInput queues collaborator text for a live run.
func (s *Service) SendInput(ctx context.Context, runID string, req domain.SendInputRequest) error {
	return s.coordinator.SendInput(ctx, runID, req.Text)
}

// Wait blocks until the run is terminal or the timeout elapses.
func (s *Service) Wait(ctx context.Context, runID string, req domain.WaitRequest) (*domain.WaitResponse, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs < 0 {
		timeout = -1
	}
	return s.coordinator.Wait(ctx, runID, timeout)
}

// Spawn starts a child run under a parent.
func (s *Service) Spawn(ctx context.Context, req domain.SpawnRequest) (*domain.SpawnResponse, error) {
	if req.ParentRunID == "" {
		return nil, domain.Errorf(domain.KindValidation, "parent_run_id is required")
	}
	childID, err := s.coordinator.Spawn(ctx, req.ParentRunID, req.Task)
	if err != nil {
		return nil, err
	}
	return &domain.SpawnResponse{ChildRunID: childID}, nil
}

// ListChildRuns returns the registry rows for a parent's children.
func (s *Service) ListChildRuns(ctx context.Context, parentRunID string) ([]domain.Run, error) {
	return s.registry.ListChildRuns(ctx, parentRunID)
}
