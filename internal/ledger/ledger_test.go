package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/runforge/runforge/internal/domain"
)

type memAppender struct {
	events []domain.Event
}

func (m *memAppender) Append(ctx context.Context, runID string, typ domain.EventType, payload any) (int64, error) {
	raw, _ := json.Marshal(payload)
	idx := int64(len(m.events))
	m.events = append(m.events, domain.Event{RunID: runID, Index: idx, Type: typ, Payload: raw})
	return idx, nil
}

func (m *memAppender) types() []domain.EventType {
	out := make([]domain.EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

func TestHappyPathRequestedStartedFinished(t *testing.T) {
	ctx := context.Background()
	wal := &memAppender{}
	l := New("r1", wal)

	call, err := l.Begin(ctx, "fs.read", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := call.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	evidence := &domain.SandboxEvidence{Requested: "restricted", Effective: "restricted", Adapter: "seatbelt", Active: true}
	if err := call.Finish(ctx, json.RawMessage(`{"content":"hi"}`), evidence, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	want := []domain.EventType{
		domain.EventTypeToolCallRequested,
		domain.EventTypeToolCallStarted,
		domain.EventTypeToolCallFinished,
	}
	got := wal.types()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	rec := call.Record()
	if rec.State != domain.ToolCallStateFinished || rec.Status != domain.ToolCallStatusOK {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.BeginIndex != 0 || rec.EndIndex == nil || *rec.EndIndex != 2 {
		t.Fatalf("unexpected offsets: begin=%d end=%v", rec.BeginIndex, rec.EndIndex)
	}

	var p domain.ToolCallFinishedPayload
	if err := json.Unmarshal(wal.events[2].Payload, &p); err != nil {
		t.Fatalf("decode finished payload: %v", err)
	}
	if p.Sandbox == nil || p.Sandbox.Adapter != "seatbelt" || !p.Sandbox.Active {
		t.Fatalf("evidence not carried verbatim: %+v", p.Sandbox)
	}
}

func TestDeniedCallNeverStarts(t *testing.T) {
	ctx := context.Background()
	wal := &memAppender{}
	l := New("r1", wal)

	call, err := l.Begin(ctx, "fs.write", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := call.Deny(ctx, "denied by user"); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	for _, ev := range wal.events {
		if ev.Type == domain.EventTypeToolCallStarted {
			t.Fatal("denied call must never emit started")
		}
	}
	var p domain.ToolCallFinishedPayload
	json.Unmarshal(wal.events[len(wal.events)-1].Payload, &p)
	if p.Status != domain.ToolCallStatusError || p.Error == nil || p.Error.Code != string(domain.KindPermission) {
		t.Fatalf("expected permission-class finish, got %+v", p)
	}

	// The record is closed; a late Start is a conflict.
	if err := call.Start(ctx); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict on start-after-deny, got %v", err)
	}
}

func TestRestrictedSandboxWithoutAdapterFailsClosed(t *testing.T) {
	ctx := context.Background()
	wal := &memAppender{}
	l := New("r1", wal)

	evidence := &domain.SandboxEvidence{Requested: "restricted", Effective: "restricted", Adapter: "none", Active: false}
	if err := CheckEvidence(evidence); !domain.IsKind(err, domain.KindPermission) {
		t.Fatalf("expected permission error from evidence check, got %v", err)
	}

	call, err := l.Begin(ctx, "shell.exec", json.RawMessage(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := call.FailClosed(ctx, evidence, "sandbox restricted with no adapter"); err != nil {
		t.Fatalf("FailClosed failed: %v", err)
	}

	for _, ev := range wal.events {
		if ev.Type == domain.EventTypeToolCallStarted {
			t.Fatal("fail-closed call must carry no started event implying execution")
		}
	}
	var p domain.ToolCallFinishedPayload
	json.Unmarshal(wal.events[len(wal.events)-1].Payload, &p)
	if p.Error == nil || p.Error.Code != string(domain.KindPermission) {
		t.Fatalf("expected permission error, got %+v", p.Error)
	}
	if p.Sandbox == nil || p.Sandbox.Effective != "restricted" {
		t.Fatalf("evidence must be recorded on the closed call: %+v", p.Sandbox)
	}
}

func TestFinishRecordsExecutionError(t *testing.T) {
	ctx := context.Background()
	wal := &memAppender{}
	l := New("r1", wal)

	call, _ := l.Begin(ctx, "fs.read", json.RawMessage(`{}`))
	if err := call.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := call.Finish(ctx, nil, nil, errors.New("no such file")); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	rec := call.Record()
	if rec.Status != domain.ToolCallStatusError || rec.Error == nil {
		t.Fatalf("expected error status, got %+v", rec)
	}
}

func TestPermissiveEvidencePasses(t *testing.T) {
	if err := CheckEvidence(&domain.SandboxEvidence{Requested: "restricted", Effective: "restricted", Adapter: "landlock", Active: true}); err != nil {
		t.Fatalf("adapter-backed restriction must pass: %v", err)
	}
	if err := CheckEvidence(&domain.SandboxEvidence{Requested: "none", Effective: "none", Adapter: "none"}); err != nil {
		t.Fatalf("unrestricted evidence must pass: %v", err)
	}
	if err := CheckEvidence(nil); err != nil {
		t.Fatalf("absent evidence must pass: %v", err)
	}
}
