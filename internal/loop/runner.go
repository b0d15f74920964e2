// Package loop runs the single-threaded cooperative agent loop for one run.
// Exactly one tool call is in flight per run; cancellation and pending input
// are honored only at turn boundaries.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/ledger"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/replay"
	"github.com/runforge/runforge/internal/sandbox"
	"github.com/runforge/runforge/internal/skills"
	"github.com/runforge/runforge/internal/tools"
	"github.com/runforge/runforge/internal/wal"
)

// defaultMaxTurns bounds runaway model loops.
const defaultMaxTurns = 200

// Config wires one runner. Journal, Registry, Gate and Model are required;
// absent optional collaborators fail closed rather than being silently
// substituted.
type Config struct {
	RunID     string
	Task      string
	Workspace string

	Journal    *wal.Store
	Registry   *registry.SQLite
	Gate       *approval.Gate
	Model      ModelClient
	Dispatcher *tools.Registry
	Sandbox    sandbox.Adapter
	Human      HumanIO
	Skills     skills.Injector
	Collab     Collab

	Logger   *slog.Logger
	MaxTurns int
}

// Runner drives one run to a terminal event.
type Runner struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	inputs   []string // unbounded FIFO, consumed at turn boundaries
	closing  bool
	closeMsg string

	done        chan struct{}
	finalStatus domain.RunStatus
	finalOutput string

	transcript []domain.Turn
}

// New builds a runner. Run must be called exactly once.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Runner{
		cfg:  cfg,
		log:  cfg.Logger.With("run_id", cfg.RunID),
		done: make(chan struct{}),
	}
}

// SendInput enqueues text for the next turn boundary. The queue is unbounded.
func (r *Runner) SendInput(text string) {
	r.mu.Lock()
	r.inputs = append(r.inputs, text)
	r.mu.Unlock()
}

// RequestClose records a cooperative cancellation intent. An in-flight tool
// call is never preempted; the run finalizes at its next turn boundary.
func (r *Runner) RequestClose(reason string) {
	r.mu.Lock()
	r.closing = true
	if reason != "" {
		r.closeMsg = reason
	}
	r.mu.Unlock()
}

// Done is closed once the run reaches a terminal event.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Result reports the terminal status and final output. Valid after Done.
func (r *Runner) Result() (domain.RunStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalStatus, r.finalOutput
}

// Run drives the loop until a terminal event. The returned error reflects
// abnormal termination; a clean run_completed/run_cancelled returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return r.fail(ctx, err)
	}

	for turn := 0; ; turn++ {
		if turn >= r.cfg.MaxTurns {
			return r.fail(ctx, domain.Errorf(domain.KindValidation, "turn budget %d exhausted", r.cfg.MaxTurns))
		}

		// Turn boundary: the only points where close requests and queued
		// input are honored.
		if r.closeRequested() {
			return r.finalize(ctx, domain.RunStatusCancelled, "")
		}
		if err := r.drainInputs(ctx); err != nil {
			return r.fail(ctx, err)
		}

		mt, err := r.cfg.Model.NextTurn(ctx, r.cfg.RunID, r.transcript)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("model turn: %w", err))
		}

		if err := r.applySkills(ctx, mt.SkillMentions); err != nil {
			return r.fail(ctx, err)
		}
		if mt.Plan != nil {
			if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypePlanUpdated, mt.Plan); err != nil {
				return r.fail(ctx, err)
			}
		}
		if mt.AskHuman != "" {
			if err := r.askHuman(ctx, mt.AskHuman); err != nil {
				return r.fail(ctx, err)
			}
		}

		for _, intent := range mt.ToolCalls {
			// One call at a time; each runs to completion before the next.
			if err := r.executeToolCall(ctx, intent); err != nil {
				return r.fail(ctx, err)
			}
		}

		if mt.Message != "" {
			r.transcript = append(r.transcript, domain.Turn{Role: domain.RoleAssistant, Content: mt.Message})
		}
		if mt.Final {
			return r.finalize(ctx, domain.RunStatusCompleted, mt.Message)
		}
	}
}

// begin transitions the run to RUNNING, replaying the prefix when the run
// was forked with resume_strategy=replay.
func (r *Runner) begin(ctx context.Context) error {
	run, err := r.cfg.Registry.GetRun(ctx, r.cfg.RunID)
	if err != nil {
		return err
	}

	if run.ResumeStrategy == domain.ResumeReplay {
		events, err := r.cfg.Journal.Read(ctx, r.cfg.RunID, 0, -1)
		if err != nil {
			return err
		}
		st, err := replay.Rebuild(events)
		if err != nil {
			return err
		}
		if st.Terminal {
			return domain.Errorf(domain.KindConflict, "run %s prefix is already terminal", r.cfg.RunID)
		}
		r.transcript = st.Turns
		if err := r.cfg.Gate.Rehydrate(events); err != nil {
			return err
		}
		r.log.Info("replayed prefix", "events", len(events), "turns", len(st.Turns), "approvals", len(st.SessionApprovals))
	} else {
		payload := domain.RunStartedPayload{Task: r.cfg.Task, WorkspaceRoot: r.cfg.Workspace}
		if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeRunStarted, payload); err != nil {
			return err
		}
		if r.cfg.Task != "" {
			r.transcript = append(r.transcript, domain.Turn{Role: domain.RoleUser, Content: r.cfg.Task})
		}
	}

	return r.cfg.Registry.UpdateRunStatus(ctx, r.cfg.RunID, domain.RunStatusRunning)
}

func (r *Runner) closeRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// drainInputs consumes the pending-input FIFO in order.
func (r *Runner) drainInputs(ctx context.Context) error {
	r.mu.Lock()
	pending := r.inputs
	r.inputs = nil
	r.mu.Unlock()

	for _, text := range pending {
		if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeUserInput, domain.UserInputPayload{Text: text}); err != nil {
			return err
		}
		r.transcript = append(r.transcript, domain.Turn{Role: domain.RoleUser, Content: text})
	}
	return nil
}

func (r *Runner) applySkills(ctx context.Context, mentions []string) error {
	for _, mention := range mentions {
		if r.cfg.Skills == nil {
			r.log.Warn("skill mention with no injector configured", "mention", mention)
			continue
		}
		payload, err := r.cfg.Skills.Resolve(ctx, mention)
		if err != nil {
			r.log.Warn("skill resolution failed", "mention", mention, "err", err)
			continue
		}
		if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeSkillInjected, payload); err != nil {
			return err
		}
	}
	return nil
}

// askHuman logs the question and blocks for the provider's answer. No
// provider means the request fails closed.
func (r *Runner) askHuman(ctx context.Context, question string) error {
	requestID := fmt.Sprintf("hr_%d", time.Now().UnixNano())
	if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeHumanRequest, domain.HumanRequestPayload{
		RequestID: requestID,
		Question:  question,
	}); err != nil {
		return err
	}
	if r.cfg.Human == nil {
		return domain.Errorf(domain.KindPermission, "no human-io provider: request %s fails closed", requestID)
	}
	answer, err := r.cfg.Human.Ask(ctx, r.cfg.RunID, question)
	if err != nil {
		return domain.WrapErr(domain.KindPermission, err, "human request %s failed", requestID)
	}
	if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeHumanResponse, domain.HumanResponsePayload{
		RequestID: requestID,
		Answer:    answer,
	}); err != nil {
		return err
	}
	r.transcript = append(r.transcript, domain.Turn{Role: domain.RoleAssistant, Content: question})
	r.transcript = append(r.transcript, domain.Turn{Role: domain.RoleUser, Content: answer})
	return nil
}

// executeToolCall runs the full ledger path for one intent. Denials and
// execution errors are recorded on the call and fed back to the transcript;
// only journal/gate infrastructure failures abort the run.
func (r *Runner) executeToolCall(ctx context.Context, intent domain.ToolIntent) error {
	led := ledger.New(r.cfg.RunID, r.cfg.Journal)
	call, err := led.Begin(ctx, intent.ToolName, intent.Args)
	if err != nil {
		return err
	}
	r.transcript = append(r.transcript, domain.Turn{
		Role: domain.RoleAssistant, CallID: call.ID(), ToolName: intent.ToolName, Args: intent.Args,
	})

	res, err := r.cfg.Gate.Resolve(ctx, call.ID(), intent.ToolName, intent.Args)
	if err != nil {
		if domain.IsKind(err, domain.KindFatalIO) {
			return err
		}
		// The gate could not operate (no provider, policy failure): the
		// call fails closed but the run stays alive.
		if denyErr := call.Deny(ctx, err.Error()); denyErr != nil {
			return denyErr
		}
		r.appendToolErrorTurn(call.ID(), intent.ToolName, err.Error())
		return nil
	}
	if res.Decision == domain.DecisionDenied {
		if err := call.Deny(ctx, res.Reason); err != nil {
			return err
		}
		r.appendToolErrorTurn(call.ID(), intent.ToolName, res.Reason)
		return nil
	}

	var evidence *domain.SandboxEvidence
	if r.cfg.Sandbox != nil {
		evidence, err = r.cfg.Sandbox.Evidence(ctx, intent.ToolName)
		if err != nil {
			if failErr := call.FailClosed(ctx, nil, fmt.Sprintf("sandbox evidence unavailable: %v", err)); failErr != nil {
				return failErr
			}
			r.appendToolErrorTurn(call.ID(), intent.ToolName, "sandbox evidence unavailable")
			return nil
		}
		if err := ledger.CheckEvidence(evidence); err != nil {
			if failErr := call.FailClosed(ctx, evidence, err.Error()); failErr != nil {
				return failErr
			}
			r.appendToolErrorTurn(call.ID(), intent.ToolName, err.Error())
			return nil
		}
	}

	if err := call.Start(ctx); err != nil {
		return err
	}

	result, execErr := r.dispatch(ctx, intent)
	if err := call.Finish(ctx, result, evidence, execErr); err != nil {
		return err
	}

	turn := domain.Turn{Role: domain.RoleTool, CallID: call.ID(), ToolName: intent.ToolName, Result: result}
	if execErr != nil {
		turn.IsError = true
		turn.Content = execErr.Error()
	}
	r.transcript = append(r.transcript, turn)
	return nil
}

func (r *Runner) appendToolErrorTurn(callID, toolName, msg string) {
	r.transcript = append(r.transcript, domain.Turn{
		Role: domain.RoleTool, CallID: callID, ToolName: toolName, Content: msg, IsError: true,
	})
}

// dispatch routes an approved call to the collab coordinator or the
// workspace tool registry.
func (r *Runner) dispatch(ctx context.Context, intent domain.ToolIntent) (json.RawMessage, error) {
	switch intent.ToolName {
	case ToolSpawnAgent, ToolSendInput, ToolWaitAgent, ToolCloseAgent:
		if r.cfg.Collab == nil {
			return nil, domain.Errorf(domain.KindValidation, "collaboration is not configured")
		}
		return r.dispatchCollab(ctx, intent)
	default:
		if r.cfg.Dispatcher == nil {
			return nil, domain.Errorf(domain.KindNotFound, "no executor registered for %s", intent.ToolName)
		}
		return r.cfg.Dispatcher.Execute(ctx, intent.ToolName, intent.Args)
	}
}

func (r *Runner) dispatchCollab(ctx context.Context, intent domain.ToolIntent) (json.RawMessage, error) {
	switch intent.ToolName {
	case ToolSpawnAgent:
		var req struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(intent.Args, &req); err != nil || req.Task == "" {
			return nil, domain.Errorf(domain.KindValidation, "spawn_agent requires a task")
		}
		childID, err := r.cfg.Collab.Spawn(ctx, r.cfg.RunID, req.Task)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"child_run_id": childID})

	case ToolSendInput:
		var req struct {
			RunID string `json:"run_id"`
			Text  string `json:"text"`
		}
		if err := json.Unmarshal(intent.Args, &req); err != nil || req.RunID == "" {
			return nil, domain.Errorf(domain.KindValidation, "send_agent_input requires run_id and text")
		}
		if err := r.cfg.Collab.SendInput(ctx, req.RunID, req.Text); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": "queued"})

	case ToolWaitAgent:
		var req struct {
			RunID     string `json:"run_id"`
			TimeoutMs int64  `json:"timeout_ms"`
		}
		if err := json.Unmarshal(intent.Args, &req); err != nil || req.RunID == "" {
			return nil, domain.Errorf(domain.KindValidation, "wait_agent requires run_id")
		}
		resp, err := r.cfg.Collab.Wait(ctx, req.RunID, time.Duration(req.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case ToolCloseAgent:
		var req struct {
			RunID  string `json:"run_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(intent.Args, &req); err != nil || req.RunID == "" {
			return nil, domain.Errorf(domain.KindValidation, "close_agent requires run_id")
		}
		if err := r.cfg.Collab.Close(ctx, req.RunID, req.Reason); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": "close_requested"})
	}
	return nil, domain.Errorf(domain.KindValidation, "unknown collab tool %s", intent.ToolName)
}

// finalize appends the terminal event and records the terminal status.
func (r *Runner) finalize(ctx context.Context, status domain.RunStatus, finalOutput string) error {
	var typ domain.EventType
	var payload any
	switch status {
	case domain.RunStatusCompleted:
		typ = domain.EventTypeRunCompleted
		payload = domain.RunCompletedPayload{FinalMessage: finalOutput}
	case domain.RunStatusCancelled:
		typ = domain.EventTypeRunCancelled
		r.mu.Lock()
		reason := r.closeMsg
		r.mu.Unlock()
		if reason == "" {
			reason = "close requested"
		}
		payload = domain.RunCancelledPayload{Reason: reason}
	default:
		return domain.Errorf(domain.KindValidation, "finalize called with non-terminal status %s", status)
	}

	if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, typ, payload); err != nil {
		r.log.Error("terminal append failed", "err", err)
	}
	if err := r.cfg.Registry.UpdateRunCompleted(ctx, r.cfg.RunID, status, nil); err != nil {
		r.log.Error("terminal registry update failed", "err", err)
	}

	r.mu.Lock()
	r.finalStatus = status
	r.finalOutput = finalOutput
	r.mu.Unlock()
	close(r.done)
	return nil
}

// fail marks the run failed. Durability failures are never retried; the run
// terminates and the cause surfaces to the caller.
func (r *Runner) fail(ctx context.Context, cause error) error {
	r.log.Error("run failed", "err", cause)

	code := string(domain.KindOf(cause))
	if code == "" {
		code = "internal"
	}
	payload := domain.RunFailedPayload{Code: code, Message: cause.Error()}
	// Best effort: the journal itself may be the thing that failed.
	if _, err := r.cfg.Journal.Append(ctx, r.cfg.RunID, domain.EventTypeRunFailed, payload); err != nil {
		r.log.Error("run_failed append failed", "err", err)
	}
	errData, _ := json.Marshal(domain.ErrorInfo{Code: code, Message: cause.Error()})
	if err := r.cfg.Registry.UpdateRunCompleted(ctx, r.cfg.RunID, domain.RunStatusFailed, errData); err != nil {
		r.log.Error("failed registry update failed", "err", err)
	}

	r.mu.Lock()
	r.finalStatus = domain.RunStatusFailed
	r.mu.Unlock()
	close(r.done)
	return cause
}
