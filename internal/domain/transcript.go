package domain

import "encoding/json"

// Turn roles in the reconstructed transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one conversational input for the model collaborator. Replay
// reconstructs tool turns from finished events without re-invoking anything.
type Turn struct {
	Role     string          `json:"role"`
	Content  string          `json:"content,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}
