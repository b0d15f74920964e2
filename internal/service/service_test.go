package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/collab"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/fork"
	"github.com/runforge/runforge/internal/loop"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/sandbox"
	"github.com/runforge/runforge/internal/wal"
	"github.com/runforge/runforge/policy"
)

// flakyModel lists the workspace, then errors exactly once when it sees the
// tool result. A later run over the same transcript finals instead.
type flakyModel struct {
	failed atomic.Bool
}

func (m *flakyModel) NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*loop.ModelTurn, error) {
	sawTool := false
	for _, turn := range transcript {
		if turn.Role == domain.RoleTool {
			sawTool = true
		}
	}
	if !sawTool {
		return &loop.ModelTurn{ToolCalls: []domain.ToolIntent{{
			ToolName: "fs.list",
			Args:     json.RawMessage(`{"path":"."}`),
		}}}, nil
	}
	if m.failed.CompareAndSwap(false, true) {
		return nil, errors.New("upstream connection reset")
	}
	return &loop.ModelTurn{Message: "recovered", Final: true}, nil
}

func newTestService(t *testing.T, model loop.ModelClient) *Service {
	t.Helper()
	journal, err := wal.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("wal.NewStore failed: %v", err)
	}
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open failed: %v", err)
	}
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		journal.Close()
		reg.Close()
	})

	broker := approval.NewPendingBroker()
	coordinator := collab.New(collab.Deps{
		Journal:  journal,
		Registry: reg,
		Policy:   engine,
		Model:    model,
		Broker:   broker,
		Sandbox:  sandbox.Unrestricted(),
	})
	return New(journal, reg, fork.New(journal, reg), coordinator, broker, t.TempDir(), nil)
}

// A run fails after a finished tool call; forking just before the failure
// and replaying recovers without running the tool again.
func TestForkRecoversFailedRunWithoutReexecution(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &flakyModel{})

	started, err := svc.StartRun(ctx, domain.StartRunRequest{Task: "list the workspace"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	waited, err := svc.Wait(ctx, started.RunID, domain.WaitRequest{TimeoutMs: -1})
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if waited.Status != domain.RunStatusFailed {
		t.Fatalf("source run should fail once: %+v", waited)
	}

	// Log: run_started, tc requested, started, finished, run_failed.
	srcEvents, err := svc.ReadEvents(ctx, started.RunID, 0, -1)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(srcEvents) != 5 || srcEvents[3].Type != domain.EventTypeToolCallFinished || srcEvents[4].Type != domain.EventTypeRunFailed {
		t.Fatalf("unexpected source log: %v", eventTypes(srcEvents))
	}

	// Fork just before the failure.
	forked, err := svc.Fork(ctx, started.RunID, domain.ForkRequest{UpToIndex: 3})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	waited, err = svc.Wait(ctx, forked.DstRunID, domain.WaitRequest{TimeoutMs: -1})
	if err != nil {
		t.Fatalf("Wait fork failed: %v", err)
	}
	if waited.Status != domain.RunStatusCompleted || waited.FinalOutput != "recovered" {
		t.Fatalf("forked run did not recover: %+v", waited)
	}

	dstEvents, err := svc.ReadEvents(ctx, forked.DstRunID, 0, -1)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	// Prefix copied verbatim.
	for i := 0; i <= 3; i++ {
		if dstEvents[i].Type != srcEvents[i].Type || string(dstEvents[i].Payload) != string(srcEvents[i].Payload) {
			t.Fatalf("prefix differs at %d:\nsrc %+v\ndst %+v", i, srcEvents[i], dstEvents[i])
		}
	}
	// Resume marker, then straight to completion: the tool call is replayed
	// from the ledger, never re-executed.
	if dstEvents[4].Type != domain.EventTypeRunStarted {
		t.Fatalf("missing resume marker: %v", eventTypes(dstEvents))
	}
	for _, ev := range dstEvents[5:] {
		switch ev.Type {
		case domain.EventTypeToolCallRequested, domain.EventTypeToolCallStarted, domain.EventTypeToolCallFinished:
			t.Fatalf("replay re-executed a tool call: %v", eventTypes(dstEvents))
		}
	}
	if dstEvents[len(dstEvents)-1].Type != domain.EventTypeRunCompleted {
		t.Fatalf("forked run log not terminal: %v", eventTypes(dstEvents))
	}

	// The failed source is untouched.
	srcAfter, err := svc.GetRun(ctx, started.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if srcAfter.Status != domain.RunStatusFailed {
		t.Fatalf("source status changed: %+v", srcAfter)
	}
}

type finalModel struct{}

func (finalModel) NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*loop.ModelTurn, error) {
	return &loop.ModelTurn{Message: "done", Final: true}, nil
}

func TestListChildRunsReturnsForkLineage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, finalModel{})

	started, err := svc.StartRun(ctx, domain.StartRunRequest{Task: "origin"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if _, err := svc.Wait(ctx, started.RunID, domain.WaitRequest{TimeoutMs: -1}); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	forked, err := svc.Fork(ctx, started.RunID, domain.ForkRequest{UpToIndex: 0})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}

	children, err := svc.ListChildRuns(ctx, started.RunID)
	if err != nil {
		t.Fatalf("ListChildRuns failed: %v", err)
	}
	if len(children) != 1 || children[0].RunID != forked.DstRunID {
		t.Fatalf("unexpected lineage: %+v", children)
	}
	if children[0].ParentRunID != started.RunID {
		t.Fatalf("child does not point back at parent: %+v", children[0])
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
