// Package ledger tracks the lifecycle of one tool invocation against the
// run's event log: requested -> (gate) -> started -> finished(ok|error).
// A denied call finishes with a permission error and is never started.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/domain"
)

// Appender is the slice of the event store the ledger writes through.
type Appender interface {
	Append(ctx context.Context, runID string, typ domain.EventType, payload any) (int64, error)
}

// Ledger issues call records for one run.
type Ledger struct {
	runID string
	wal   Appender
}

// New builds the ledger for a run.
func New(runID string, wal Appender) *Ledger {
	return &Ledger{runID: runID, wal: wal}
}

// Call is the in-flight record for one tool invocation.
type Call struct {
	ledger *Ledger
	rec    domain.ToolCall
}

// Begin emits tool_call_requested and returns the call handle.
func (l *Ledger) Begin(ctx context.Context, toolName string, args json.RawMessage) (*Call, error) {
	callID := "tc_" + uuid.New().String()[:8]
	idx, err := l.wal.Append(ctx, l.runID, domain.EventTypeToolCallRequested, domain.ToolCallRequestedPayload{
		CallID:   callID,
		ToolName: toolName,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	return &Call{
		ledger: l,
		rec: domain.ToolCall{
			CallID:     callID,
			RunID:      l.runID,
			ToolName:   toolName,
			Args:       args,
			State:      domain.ToolCallStateRequested,
			BeginIndex: idx,
			CreatedAt:  time.Now(),
		},
	}, nil
}

// Record returns a copy of the call's current record.
func (c *Call) Record() domain.ToolCall { return c.rec }

// ID returns the call id.
func (c *Call) ID() string { return c.rec.CallID }

// Start emits tool_call_started. Only a requested call can start; the caller
// must have an approved resolution (or a no-approval classification) in hand.
func (c *Call) Start(ctx context.Context) error {
	if c.rec.State != domain.ToolCallStateRequested {
		return domain.Errorf(domain.KindConflict, "call %s cannot start from state %s", c.rec.CallID, c.rec.State)
	}
	if _, err := c.ledger.wal.Append(ctx, c.rec.RunID, domain.EventTypeToolCallStarted, domain.ToolCallStartedPayload{CallID: c.rec.CallID}); err != nil {
		return err
	}
	c.rec.State = domain.ToolCallStateStarted
	return nil
}

// Deny finishes a requested call with a permission-class error. No started
// event is ever emitted for a denied call.
func (c *Call) Deny(ctx context.Context, reason string) error {
	if c.rec.State != domain.ToolCallStateRequested {
		return domain.Errorf(domain.KindConflict, "call %s cannot be denied from state %s", c.rec.CallID, c.rec.State)
	}
	info := &domain.ErrorInfo{Code: string(domain.KindPermission), Message: reason}
	return c.finish(ctx, domain.ToolCallStatusError, nil, info, nil)
}

// FailClosed finishes a requested call with a permission-class error carrying
// the sandbox evidence that forced the closure. Used when the sandbox reports
// effective=restricted with no adapter present.
func (c *Call) FailClosed(ctx context.Context, evidence *domain.SandboxEvidence, reason string) error {
	if c.rec.State != domain.ToolCallStateRequested {
		return domain.Errorf(domain.KindConflict, "call %s cannot fail closed from state %s", c.rec.CallID, c.rec.State)
	}
	info := &domain.ErrorInfo{Code: string(domain.KindPermission), Message: reason}
	return c.finish(ctx, domain.ToolCallStatusError, nil, info, evidence)
}

// Finish closes a started call with its result or error. Evidence, when
// present, is copied verbatim from the sandbox adapter.
func (c *Call) Finish(ctx context.Context, result json.RawMessage, evidence *domain.SandboxEvidence, execErr error) error {
	if c.rec.State != domain.ToolCallStateStarted {
		return domain.Errorf(domain.KindConflict, "call %s cannot finish from state %s", c.rec.CallID, c.rec.State)
	}
	status := domain.ToolCallStatusOK
	var info *domain.ErrorInfo
	if execErr != nil {
		status = domain.ToolCallStatusError
		info = domain.InfoFromError(execErr)
		result = nil
	}
	return c.finish(ctx, status, result, info, evidence)
}

func (c *Call) finish(ctx context.Context, status domain.ToolCallStatus, result json.RawMessage, info *domain.ErrorInfo, evidence *domain.SandboxEvidence) error {
	idx, err := c.ledger.wal.Append(ctx, c.rec.RunID, domain.EventTypeToolCallFinished, domain.ToolCallFinishedPayload{
		CallID:  c.rec.CallID,
		Status:  status,
		Result:  result,
		Error:   info,
		Sandbox: evidence,
	})
	if err != nil {
		return err
	}
	c.rec.State = domain.ToolCallStateFinished
	c.rec.Status = status
	c.rec.Result = result
	c.rec.Error = info
	c.rec.Evidence = evidence
	c.rec.EndIndex = &idx
	return nil
}

// CheckEvidence validates the sandbox evidence before a call may start.
// effective=restricted with no adapter present must fail closed rather than
// silently downgrade safety.
func CheckEvidence(ev *domain.SandboxEvidence) error {
	if ev == nil {
		return nil
	}
	if ev.Effective == domain.SandboxEffectiveRestricted && (ev.Adapter == "" || ev.Adapter == domain.SandboxAdapterNone) {
		return domain.Errorf(domain.KindPermission, "sandbox reports restricted mode with no adapter")
	}
	return nil
}
