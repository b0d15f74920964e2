package domain

import "encoding/json"

// Typed payloads for each event type. The union is closed: consumers switch
// exhaustively over EventType and decode into exactly one of these.

// RunStartedPayload opens every log. Resume=true marks a forked run and
// points back at the source offset the prefix was copied from.
type RunStartedPayload struct {
	Task          string   `json:"task,omitempty"`
	WorkspaceRoot string   `json:"workspace_root,omitempty"`
	Resume        bool     `json:"resume,omitempty"`
	ResumedFrom   *Locator `json:"resumed_from,omitempty"`
}

// SkillInjectedPayload is logged verbatim as supplied by the skill-injection
// collaborator. The core never parses skill content.
type SkillInjectedPayload struct {
	Mention string `json:"mention"`
	SkillID string `json:"skill_id"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

// PlanUpdatedPayload records a plan revision.
type PlanUpdatedPayload struct {
	Plan  string   `json:"plan,omitempty"`
	Steps []string `json:"steps,omitempty"`
}

// UserInputPayload records collaborator input consumed at a turn boundary.
type UserInputPayload struct {
	Text string `json:"text"`
}

// HumanRequestPayload records a question routed to the human-I/O provider.
type HumanRequestPayload struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
}

// HumanResponsePayload records the provider's answer.
type HumanResponsePayload struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// ToolCallRequestedPayload records the loop's decision to invoke a tool.
type ToolCallRequestedPayload struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
}

// ToolCallStartedPayload records that the gate resolved to approved and the
// tool is executing. Never emitted for denied calls.
type ToolCallStartedPayload struct {
	CallID string `json:"call_id"`
}

// ToolCallFinishedPayload closes a call. Sandbox evidence, when present, is
// copied verbatim from the adapter.
type ToolCallFinishedPayload struct {
	CallID   string           `json:"call_id"`
	Status   ToolCallStatus   `json:"status"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    *ErrorInfo       `json:"error,omitempty"`
	Sandbox  *SandboxEvidence `json:"sandbox,omitempty"`
}

// ApprovalRequestedPayload records that the gate blocked for a decision.
// Cache hits emit no requested event.
type ApprovalRequestedPayload struct {
	ApprovalID string `json:"approval_id"`
	CallID     string `json:"call_id"`
	Key        string `json:"approval_key"`
	ToolName   string `json:"tool_name"`
	Resource   string `json:"resource"`
}

// ApprovalDecidedPayload records the resolution. Replay rehydrates the
// session cache solely from these.
type ApprovalDecidedPayload struct {
	ApprovalID string           `json:"approval_id"`
	Key        string           `json:"approval_key"`
	Decision   ApprovalDecision `json:"decision"`
	Scope      ApprovalScope    `json:"scope"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// RunCompletedPayload is the successful terminal event.
type RunCompletedPayload struct {
	FinalMessage string `json:"final_message,omitempty"`
}

// RunFailedPayload is the failure terminal event.
type RunFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunCancelledPayload is the cooperative-cancellation terminal event.
type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}
