// Package modelclient provides the HTTP adapter for the external
// turn-completion collaborator. The runtime never computes turns itself; it
// ships the transcript to the collaborator endpoint and applies the turn
// that comes back.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/loop"
)

// turnRequest is the wire shape posted to the collaborator.
type turnRequest struct {
	RunID      string        `json:"run_id"`
	Transcript []domain.Turn `json:"transcript"`
}

// turnResponse is the collaborator's answer. It maps one-to-one onto a
// loop.ModelTurn.
type turnResponse struct {
	SkillMentions []string                   `json:"skill_mentions,omitempty"`
	Plan          *domain.PlanUpdatedPayload `json:"plan,omitempty"`
	AskHuman      string                     `json:"ask_human,omitempty"`
	ToolCalls     []domain.ToolIntent        `json:"tool_calls,omitempty"`
	Message       string                     `json:"message,omitempty"`
	Final         bool                       `json:"final"`
}

// Client invokes the collaborator's /turn endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for the given collaborator endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NextTurn posts the transcript and decodes the collaborator's turn.
func (c *Client) NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*loop.ModelTurn, error) {
	body, err := json.Marshal(turnRequest{RunID: runID, Transcript: transcript})
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/turn", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Run-ID", runID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke turn collaborator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("turn collaborator returned status %d: %s", resp.StatusCode, string(b))
	}

	var tr turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode turn response: %w", err)
	}
	return &loop.ModelTurn{
		SkillMentions: tr.SkillMentions,
		Plan:          tr.Plan,
		AskHuman:      tr.AskHuman,
		ToolCalls:     tr.ToolCalls,
		Message:       tr.Message,
		Final:         tr.Final,
	}, nil
}

// Scripted is a demo collaborator that finals immediately, echoing the task.
// It keeps the runtime usable without an external turn service.
type Scripted struct{}

// NextTurn completes the run in one turn.
func (Scripted) NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*loop.ModelTurn, error) {
	msg := "ok"
	if len(transcript) > 0 {
		msg = transcript[0].Content
	}
	return &loop.ModelTurn{Message: msg, Final: true}, nil
}
