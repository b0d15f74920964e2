// Package replay reconstructs agent-visible state from a log prefix without
// side effects. One deterministic pass: finished tool calls become synthetic
// tool-result turns, session-scoped decisions rebuild the approval cache, and
// skill/plan/human events rehydrate auxiliary state. Replaying an identical
// prefix twice yields identical state.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/runforge/runforge/internal/domain"
)

// State is everything a resumed loop needs to continue after a prefix.
type State struct {
	Task          string
	WorkspaceRoot string

	// Turns is the reconstructed transcript in log order.
	Turns []domain.Turn

	// SessionApprovals maps approval keys to their memoized decisions.
	SessionApprovals map[string]domain.ApprovalDecision

	// Skills, Plan and HumanAnswers are auxiliary session state.
	Skills       []domain.SkillInjectedPayload
	Plan         *domain.PlanUpdatedPayload
	HumanAnswers []domain.HumanResponsePayload

	// OpenCalls holds tool calls with no finished event in the prefix,
	// keyed by call id. A clean resume point has none.
	OpenCalls map[string]domain.ToolCallRequestedPayload

	// NextIndex is where new appends will land.
	NextIndex int64

	// Terminal is set when the prefix already contains a terminal event.
	Terminal bool
}

// Rebuild performs the replay pass over a prefix. Events must be a gapless
// sequence starting at index 0; anything else is a validation error.
func Rebuild(events []domain.Event) (*State, error) {
	st := &State{
		SessionApprovals: make(map[string]domain.ApprovalDecision),
		OpenCalls:        make(map[string]domain.ToolCallRequestedPayload),
	}

	for i, ev := range events {
		if ev.Index != int64(i) {
			return nil, domain.Errorf(domain.KindValidation, "prefix has index %d where %d expected", ev.Index, i)
		}
		if err := st.apply(ev); err != nil {
			return nil, err
		}
	}
	st.NextIndex = int64(len(events))
	return st, nil
}

// apply folds one event into the state. The event union is closed: an
// unknown type is a corrupt prefix, not something to skip.
func (st *State) apply(ev domain.Event) error {
	switch ev.Type {
	case domain.EventTypeRunStarted:
		var p domain.RunStartedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if p.Task != "" {
			st.Task = p.Task
			// A resume marker repeats the task already present in the
			// copied prefix; only a fresh start contributes a turn.
			if !p.Resume {
				st.Turns = append(st.Turns, domain.Turn{Role: domain.RoleUser, Content: p.Task})
			}
		}
		if p.WorkspaceRoot != "" {
			st.WorkspaceRoot = p.WorkspaceRoot
		}

	case domain.EventTypeSkillInjected:
		var p domain.SkillInjectedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.Skills = append(st.Skills, p)

	case domain.EventTypePlanUpdated:
		var p domain.PlanUpdatedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.Plan = &p

	case domain.EventTypeUserInput:
		var p domain.UserInputPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.Turns = append(st.Turns, domain.Turn{Role: domain.RoleUser, Content: p.Text})

	case domain.EventTypeHumanRequest:
		var p domain.HumanRequestPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.Turns = append(st.Turns, domain.Turn{Role: domain.RoleAssistant, Content: p.Question})

	case domain.EventTypeHumanResponse:
		var p domain.HumanResponsePayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.HumanAnswers = append(st.HumanAnswers, p)
		st.Turns = append(st.Turns, domain.Turn{Role: domain.RoleUser, Content: p.Answer})

	case domain.EventTypeToolCallRequested:
		var p domain.ToolCallRequestedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		st.OpenCalls[p.CallID] = p
		st.Turns = append(st.Turns, domain.Turn{Role: domain.RoleAssistant, CallID: p.CallID, ToolName: p.ToolName, Args: p.Args})

	case domain.EventTypeToolCallStarted:
		var p domain.ToolCallStartedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if _, ok := st.OpenCalls[p.CallID]; !ok {
			return domain.Errorf(domain.KindValidation, "started event at index %d has no matching requested call %s", ev.Index, p.CallID)
		}

	case domain.EventTypeToolCallFinished:
		var p domain.ToolCallFinishedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		open, ok := st.OpenCalls[p.CallID]
		if !ok {
			return domain.Errorf(domain.KindValidation, "finished event at index %d has no matching requested call %s", ev.Index, p.CallID)
		}
		delete(st.OpenCalls, p.CallID)
		// The result is reproduced as the next conversational input; the
		// tool itself is never re-invoked.
		turn := domain.Turn{Role: domain.RoleTool, CallID: p.CallID, ToolName: open.ToolName, Result: p.Result}
		if p.Status == domain.ToolCallStatusError {
			turn.IsError = true
			if p.Error != nil {
				turn.Content = p.Error.Message
			}
		}
		st.Turns = append(st.Turns, turn)

	case domain.EventTypeApprovalRequested:
		// The matching decided event carries everything replay needs.

	case domain.EventTypeApprovalDecided:
		var p domain.ApprovalDecidedPayload
		if err := decode(ev, &p); err != nil {
			return err
		}
		if p.Scope == domain.ScopeSession {
			st.SessionApprovals[p.Key] = p.Decision
		}

	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		st.Terminal = true

	default:
		return domain.Errorf(domain.KindValidation, "unknown event type %q at index %d", ev.Type, ev.Index)
	}
	return nil
}

func decode(ev domain.Event, into any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return domain.WrapErr(domain.KindValidation, err, "corrupt %s payload at index %d", ev.Type, ev.Index)
	}
	return nil
}

// CleanBoundary reports whether the prefix ends at a tool-call-complete
// boundary, naming an offending call when it does not.
func (st *State) CleanBoundary() error {
	for callID, open := range st.OpenCalls {
		return domain.Errorf(domain.KindValidation, "prefix ends mid-call: %s (%s) has no finished event", callID, open.ToolName)
	}
	return nil
}

// String summarizes the state for diagnostics.
func (st *State) String() string {
	return fmt.Sprintf("replay.State{turns=%d approvals=%d skills=%d next=%d terminal=%t}",
		len(st.Turns), len(st.SessionApprovals), len(st.Skills), st.NextIndex, st.Terminal)
}
