package domain

// Transport request/response shapes for the v1 API.

// StartRunRequest starts a fresh run.
type StartRunRequest struct {
	Task          string `json:"task"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
}

// StartRunResponse acknowledges a started run.
type StartRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// ForkRequest forks a run at an inclusive offset. UpToIndex = -1 copies an
// empty prefix.
type ForkRequest struct {
	UpToIndex int64 `json:"up_to_index"`
}

// ForkResponse reports the destination run.
type ForkResponse struct {
	SrcRunID  string `json:"src_run_id"`
	UpToIndex int64  `json:"up_to_index"`
	DstRunID  string `json:"dst_run_id"`
}

// SendInputRequest enqueues text for a run's next turn boundary.
type SendInputRequest struct {
	Text string `json:"text"`
}

// WaitRequest blocks until the run is terminal or the timeout elapses.
// TimeoutMs = 0 returns immediately with whatever state exists.
type WaitRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// WaitResponse reports the outcome of a wait.
type WaitResponse struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Terminal    bool      `json:"terminal"`
	FinalOutput string    `json:"final_output,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
}

// SpawnRequest spawns a child run under a parent.
type SpawnRequest struct {
	ParentRunID string `json:"parent_run_id"`
	Task        string `json:"task"`
}

// SpawnResponse reports the child run.
type SpawnResponse struct {
	ChildRunID string `json:"child_run_id"`
}

// ApprovalDecisionRequest resolves a pending approval.
type ApprovalDecisionRequest struct {
	Decision  ApprovalDecision `json:"decision"`
	Scope     ApprovalScope    `json:"scope,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}
