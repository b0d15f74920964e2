package domain

import (
	"encoding/json"
	"time"
)

// ToolCall is the ledger record for one tool invocation, tied to log offsets.
// Started requires an approved decision or a no-approval classification; a
// denied call goes straight to finished with a permission error.
type ToolCall struct {
	CallID     string          `json:"call_id"`
	RunID      string          `json:"run_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	State      ToolCallState   `json:"state"`
	Status     ToolCallStatus  `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Evidence   *SandboxEvidence `json:"sandbox,omitempty"`
	BeginIndex int64           `json:"begin_index"`
	EndIndex   *int64          `json:"end_index,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SandboxEvidence is the evidence record supplied by the sandbox adapter and
// copied verbatim onto finished tool calls. The core never enforces
// isolation; it only records what the adapter reports.
type SandboxEvidence struct {
	Requested string `json:"requested"`
	Effective string `json:"effective"`
	Adapter   string `json:"adapter"`
	Active    bool   `json:"active"`
}

// Sandbox evidence values the core reacts to. effective=restricted with no
// adapter present must fail the call closed.
const (
	SandboxEffectiveRestricted = "restricted"
	SandboxAdapterNone         = "none"
)

// ToolIntent is a tool invocation request supplied by the model/tool-dispatch
// collaborator.
type ToolIntent struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
}
