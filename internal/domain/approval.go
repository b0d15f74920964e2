package domain

import "time"

// ApprovalRecord is a memoized user decision for one (tool, resource) key.
// Session-scoped records survive for the lifetime of their run and are
// rebuilt on resume purely by replaying decided events.
type ApprovalRecord struct {
	ApprovalID string           `json:"approval_id"`
	RunID      string           `json:"run_id"`
	CallID     string           `json:"call_id,omitempty"`
	Key        string           `json:"approval_key"`
	ToolName   string           `json:"tool_name"`
	Resource   string           `json:"resource"`
	State      ApprovalState    `json:"state"`
	Decision   ApprovalDecision `json:"decision,omitempty"`
	Scope      ApprovalScope    `json:"scope,omitempty"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	DecidedAt  *time.Time       `json:"decided_at,omitempty"`
}

// ApprovalPrompt is what the human-I/O provider sees when a decision is
// needed.
type ApprovalPrompt struct {
	ApprovalID string `json:"approval_id"`
	RunID      string `json:"run_id"`
	CallID     string `json:"call_id"`
	Key        string `json:"approval_key"`
	ToolName   string `json:"tool_name"`
	Resource   string `json:"resource"`
}

// ApprovalResolution is the human-I/O provider's answer to a prompt.
type ApprovalResolution struct {
	Decision  ApprovalDecision `json:"decision"`
	Scope     ApprovalScope    `json:"scope"`
	DecidedBy string           `json:"decided_by,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}
