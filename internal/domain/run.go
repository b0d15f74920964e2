package domain

import (
	"encoding/json"
	"time"
)

// Run represents a single execution of an agent loop. A run owns exactly one
// event log; once a terminal event is appended the run is immutable.
type Run struct {
	RunID          string          `json:"run_id"`
	WorkspaceRoot  string          `json:"workspace_root"`
	ParentRunID    string          `json:"parent_run_id,omitempty"`
	ForkIndex      *int64          `json:"fork_index,omitempty"`
	ResumeStrategy ResumeStrategy  `json:"resume_strategy"`
	Status         RunStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

// Event is one immutable, ordered record in a run's log. (RunID, Index) is
// the sole address of an event.
type Event struct {
	RunID   string          `json:"run_id"`
	Index   int64           `json:"index"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"` // Unix milliseconds
}

// Locator addresses exactly one event.
type Locator struct {
	RunID string `json:"run_id"`
	Index int64  `json:"index"`
}

// ForkPoint records a completed fork: dst starts from a verbatim copy of
// src's events[0..UpToIndex].
type ForkPoint struct {
	SrcRunID  string `json:"src_run_id"`
	UpToIndex int64  `json:"up_to_index_inclusive"`
	DstRunID  string `json:"dst_run_id"`
}
