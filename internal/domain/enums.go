// Package domain defines the core domain models for the run event log runtime.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status is terminal. A terminal run is
// immutable: its log accepts no further appends.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ResumeStrategy controls what a run does with a non-empty initial log.
type ResumeStrategy string

const (
	ResumeNone   ResumeStrategy = "none"
	ResumeReplay ResumeStrategy = "replay"
)

// EventType represents the type of an event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeSkillInjected     EventType = "skill_injected"
	EventTypePlanUpdated       EventType = "plan_updated"
	EventTypeUserInput         EventType = "user_input"
	EventTypeHumanRequest      EventType = "human_request"
	EventTypeHumanResponse     EventType = "human_response"
	EventTypeToolCallRequested EventType = "tool_call_requested"
	EventTypeToolCallStarted   EventType = "tool_call_started"
	EventTypeToolCallFinished  EventType = "tool_call_finished"
	EventTypeApprovalRequested EventType = "approval_requested"
	EventTypeApprovalDecided   EventType = "approval_decided"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
	EventTypeRunCancelled      EventType = "run_cancelled"
)

// IsTerminal reports whether the event type terminates its run.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeRunCompleted, EventTypeRunFailed, EventTypeRunCancelled:
		return true
	}
	return false
}

// ToolCallState represents the lifecycle state of a tool call.
type ToolCallState string

const (
	ToolCallStateRequested ToolCallState = "REQUESTED"
	ToolCallStateStarted   ToolCallState = "STARTED"
	ToolCallStateFinished  ToolCallState = "FINISHED"
)

// ToolCallStatus is the outcome recorded on a finished tool call.
type ToolCallStatus string

const (
	ToolCallStatusOK    ToolCallStatus = "ok"
	ToolCallStatusError ToolCallStatus = "error"
)

// ApprovalState represents the per-key state of the approval gate.
type ApprovalState string

const (
	ApprovalStateUnseen    ApprovalState = "UNSEEN"
	ApprovalStateRequested ApprovalState = "REQUESTED"
	ApprovalStateApproved  ApprovalState = "APPROVED"
	ApprovalStateDenied    ApprovalState = "DENIED"
	ApprovalStateCached    ApprovalState = "CACHED"
)

// ApprovalDecision is the resolution of an approval request.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
)

// ApprovalScope controls whether a decision is memoized beyond one call.
type ApprovalScope string

const (
	ScopeSingleCall ApprovalScope = "single_call"
	ScopeSession    ApprovalScope = "session"
)
