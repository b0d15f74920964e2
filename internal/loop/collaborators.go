package loop

import (
	"context"
	"time"

	"github.com/runforge/runforge/internal/domain"
)

// ModelClient is the completion protocol collaborator. It supplies the next
// turn: tool intents, plan revisions, skill mentions, questions for the
// human, or the final message. The runtime never invokes a language model
// itself.
type ModelClient interface {
	NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*ModelTurn, error)
}

// ModelTurn is one decision from the model collaborator. Fields are applied
// in order: skills, plan, human question, tool calls; Final closes the run.
type ModelTurn struct {
	SkillMentions []string
	Plan          *domain.PlanUpdatedPayload
	AskHuman      string
	ToolCalls     []domain.ToolIntent
	Message       string
	Final         bool
}

// HumanIO answers questions routed to the human. Approval prompts go through
// the gate's Decider separately; absence of either fails the request closed.
type HumanIO interface {
	Ask(ctx context.Context, runID, question string) (string, error)
}

// Collab is the slice of the collaboration coordinator the loop uses to
// serve agent tools (spawn_agent and friends) without importing it.
type Collab interface {
	Spawn(ctx context.Context, parentRunID, task string) (string, error)
	SendInput(ctx context.Context, runID, text string) error
	Wait(ctx context.Context, runID string, timeout time.Duration) (*domain.WaitResponse, error)
	Close(ctx context.Context, runID, reason string) error
}

// Collab tool names served by the loop rather than the workspace registry.
const (
	ToolSpawnAgent = "spawn_agent"
	ToolSendInput  = "send_agent_input"
	ToolWaitAgent  = "wait_agent"
	ToolCloseAgent = "close_agent"
)
