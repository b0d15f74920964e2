// Package fork creates an independent new run from a copied prefix of
// another run's log. The engine guarantees exact, independent duplication;
// choosing a "safe" offset is the caller's business, though offsets that land
// mid-tool-call or past the source's terminal event are rejected.
package fork

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/replay"
)

// Journal is the slice of the event store the engine needs.
type Journal interface {
	Tail(ctx context.Context, runID string) (int64, error)
	Read(ctx context.Context, runID string, from, to int64) ([]domain.Event, error)
	CopyPrefix(ctx context.Context, srcRunID, dstRunID string, upTo int64) error
	Append(ctx context.Context, runID string, typ domain.EventType, payload any) (int64, error)
	Discard(runID string) error
}

// Registry is the slice of the run registry the engine needs.
type Registry interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	CreateRun(ctx context.Context, run *domain.Run) error
}

// Engine performs forks.
type Engine struct {
	journal  Journal
	registry Registry
}

// New builds a fork engine.
func New(journal Journal, registry Registry) *Engine {
	return &Engine{journal: journal, registry: registry}
}

// Fork copies src's events[0..upTo] into a new run. upTo = -1 forks an empty
// prefix. The destination gets parent_run_id=src, fork_index=upTo,
// resume_strategy=replay, and a run_started(resume=true) event pointing back
// at the source offset. The source is never mutated; on any failure no
// destination run exists.
func (e *Engine) Fork(ctx context.Context, srcRunID string, upTo int64) (*domain.ForkPoint, error) {
	src, err := e.registry.GetRun(ctx, srcRunID)
	if err != nil {
		return nil, err
	}

	tail, err := e.journal.Tail(ctx, srcRunID)
	if err != nil {
		return nil, err
	}
	if upTo < -1 || upTo > tail {
		return nil, domain.Errorf(domain.KindValidation, "fork index %d out of range for run %s (tail %d)", upTo, srcRunID, tail)
	}

	// Replaying the candidate prefix both detects corruption (fatal to the
	// fork, no destination created) and rejects mid-call boundaries.
	if upTo >= 0 {
		events, err := e.journal.Read(ctx, srcRunID, 0, upTo)
		if err != nil {
			return nil, err
		}
		if int64(len(events)) != upTo+1 {
			return nil, domain.Errorf(domain.KindFatalIO, "run %s prefix truncated: wanted %d events, read %d", srcRunID, upTo+1, len(events))
		}
		st, err := replay.Rebuild(events)
		if err != nil {
			return nil, err
		}
		if err := st.CleanBoundary(); err != nil {
			return nil, err
		}
		// A prefix containing the source's terminal event would put the
		// resume marker after the end of the log, which a reopened store
		// rejects. Fork before the run ends, not at its terminal event.
		if st.Terminal {
			return nil, domain.Errorf(domain.KindValidation, "prefix through %d includes run %s's terminal event", upTo, srcRunID)
		}
	}

	dstRunID := "run_" + uuid.New().String()[:8]
	if err := e.journal.CopyPrefix(ctx, srcRunID, dstRunID, upTo); err != nil {
		return nil, err
	}

	startPayload := domain.RunStartedPayload{
		Task:          taskOf(ctx, e.journal, srcRunID),
		WorkspaceRoot: src.WorkspaceRoot,
		Resume:        true,
		ResumedFrom:   &domain.Locator{RunID: srcRunID, Index: upTo},
	}

	if _, err := e.journal.Append(ctx, dstRunID, domain.EventTypeRunStarted, startPayload); err != nil {
		e.journal.Discard(dstRunID)
		return nil, err
	}

	forkIndex := upTo
	run := &domain.Run{
		RunID:          dstRunID,
		WorkspaceRoot:  src.WorkspaceRoot,
		ParentRunID:    srcRunID,
		ForkIndex:      &forkIndex,
		ResumeStrategy: domain.ResumeReplay,
		Status:         domain.RunStatusCreated,
		CreatedAt:      time.Now(),
	}
	if err := e.registry.CreateRun(ctx, run); err != nil {
		e.journal.Discard(dstRunID)
		return nil, err
	}

	return &domain.ForkPoint{SrcRunID: srcRunID, UpToIndex: upTo, DstRunID: dstRunID}, nil
}

// taskOf recovers the original task text from the source's run_started, if
// present, so the forked run's own start event carries it too.
func taskOf(ctx context.Context, journal Journal, runID string) string {
	events, err := journal.Read(ctx, runID, 0, 0)
	if err != nil || len(events) == 0 || events[0].Type != domain.EventTypeRunStarted {
		return ""
	}
	var p domain.RunStartedPayload
	if json.Unmarshal(events[0].Payload, &p) != nil {
		return ""
	}
	return p.Task
}
