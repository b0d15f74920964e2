package fork

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/wal"
)

type fixture struct {
	journal  *wal.Store
	registry *registry.SQLite
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal, err := wal.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("wal.NewStore failed: %v", err)
	}
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open failed: %v", err)
	}
	t.Cleanup(func() {
		journal.Close()
		reg.Close()
	})
	return &fixture{journal: journal, registry: reg, engine: New(journal, reg)}
}

func (f *fixture) seedRun(t *testing.T, runID string, extraEvents int) {
	t.Helper()
	ctx := context.Background()
	if err := f.journal.Create(runID); err != nil {
		t.Fatalf("Create journal failed: %v", err)
	}
	if err := f.registry.CreateRun(ctx, &domain.Run{
		RunID:          runID,
		WorkspaceRoot:  "/ws",
		ResumeStrategy: domain.ResumeNone,
		Status:         domain.RunStatusRunning,
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := f.journal.Append(ctx, runID, domain.EventTypeRunStarted, domain.RunStartedPayload{Task: "build it", WorkspaceRoot: "/ws"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	for i := 0; i < extraEvents; i++ {
		if _, err := f.journal.Append(ctx, runID, domain.EventTypePlanUpdated, domain.PlanUpdatedPayload{Plan: "p"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func TestForkCopiesPrefixAndStaysIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 2) // indices 0..2

	fp, err := f.engine.Fork(ctx, "src", 2)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if fp.SrcRunID != "src" || fp.UpToIndex != 2 {
		t.Fatalf("unexpected fork point: %+v", fp)
	}

	srcPrefix, err := f.journal.Read(ctx, "src", 0, 2)
	if err != nil {
		t.Fatalf("Read src failed: %v", err)
	}
	dstPrefix, err := f.journal.Read(ctx, fp.DstRunID, 0, 2)
	if err != nil {
		t.Fatalf("Read dst failed: %v", err)
	}
	for i := range srcPrefix {
		if srcPrefix[i].Index != dstPrefix[i].Index ||
			srcPrefix[i].Type != dstPrefix[i].Type ||
			string(srcPrefix[i].Payload) != string(dstPrefix[i].Payload) ||
			srcPrefix[i].Ts != dstPrefix[i].Ts {
			t.Fatalf("prefix differs at %d:\nsrc %+v\ndst %+v", i, srcPrefix[i], dstPrefix[i])
		}
	}

	// dst carries its own run_started(resume=true) after the prefix.
	dstAll, err := f.journal.Read(ctx, fp.DstRunID, 0, -1)
	if err != nil {
		t.Fatalf("Read dst failed: %v", err)
	}
	last := dstAll[len(dstAll)-1]
	if last.Index != 3 || last.Type != domain.EventTypeRunStarted {
		t.Fatalf("expected resume marker at index 3, got %+v", last)
	}
	var start domain.RunStartedPayload
	json.Unmarshal(last.Payload, &start)
	if !start.Resume || start.ResumedFrom == nil || start.ResumedFrom.RunID != "src" || start.ResumedFrom.Index != 2 {
		t.Fatalf("resume marker does not point at the source offset: %+v", start)
	}

	// Appends to the source never reach the destination.
	if _, err := f.journal.Append(ctx, "src", domain.EventTypePlanUpdated, domain.PlanUpdatedPayload{Plan: "later"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	dstTail, _ := f.journal.Tail(ctx, fp.DstRunID)
	if dstTail != 3 {
		t.Fatalf("source append leaked into destination, tail %d", dstTail)
	}

	dst, err := f.registry.GetRun(ctx, fp.DstRunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if dst.ParentRunID != "src" || dst.ForkIndex == nil || *dst.ForkIndex != 2 || dst.ResumeStrategy != domain.ResumeReplay {
		t.Fatalf("destination lineage wrong: %+v", dst)
	}
}

func TestForkAtTailIsFullClone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 3)

	tail, _ := f.journal.Tail(ctx, "src")
	fp, err := f.engine.Fork(ctx, "src", tail)
	if err != nil {
		t.Fatalf("Fork at tail failed: %v", err)
	}
	dstTail, _ := f.journal.Tail(ctx, fp.DstRunID)
	if dstTail != tail+1 {
		t.Fatalf("full clone should hold prefix plus resume marker, tail %d", dstTail)
	}
}

func TestForkEmptyPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 1)

	fp, err := f.engine.Fork(ctx, "src", -1)
	if err != nil {
		t.Fatalf("empty-prefix fork failed: %v", err)
	}
	events, err := f.journal.Read(ctx, fp.DstRunID, 0, -1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventTypeRunStarted {
		t.Fatalf("expected only the destination's own run_started, got %+v", events)
	}
}

func TestForkValidatesRangeAndSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 1)

	if _, err := f.engine.Fork(ctx, "src", 99); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.engine.Fork(ctx, "src", -2); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.engine.Fork(ctx, "ghost", 0); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestForkRejectsTerminalPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 1)

	if _, err := f.journal.Append(ctx, "src", domain.EventTypeRunCompleted, domain.RunCompletedPayload{FinalMessage: "done"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tail, _ := f.journal.Tail(ctx, "src")
	_, err := f.engine.Fork(ctx, "src", tail)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected rejection of a prefix holding the terminal event, got %v", err)
	}

	// The last pre-terminal offset still forks.
	fp, err := f.engine.Fork(ctx, "src", tail-1)
	if err != nil {
		t.Fatalf("Fork before the terminal event failed: %v", err)
	}
	dstTail, _ := f.journal.Tail(ctx, fp.DstRunID)
	if dstTail != tail {
		t.Fatalf("expected prefix plus resume marker, tail %d", dstTail)
	}
}

func TestForkRejectsMidCallBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRun(t, "src", 0)

	if _, err := f.journal.Append(ctx, "src", domain.EventTypeToolCallRequested, domain.ToolCallRequestedPayload{CallID: "tc1", ToolName: "fs.write"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := f.journal.Append(ctx, "src", domain.EventTypeToolCallStarted, domain.ToolCallStartedPayload{CallID: "tc1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	_, err := f.engine.Fork(ctx, "src", 2)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected mid-call fork rejection, got %v", err)
	}

	// A failed fork leaves no destination behind.
	children, err := f.registry.ListChildRuns(ctx, "src")
	if err != nil {
		t.Fatalf("ListChildRuns failed: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("failed fork created destination runs: %+v", children)
	}
}
