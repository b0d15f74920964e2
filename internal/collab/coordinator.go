// Package collab coordinates multi-agent runs: it launches runner loops,
// routes input and close requests to live runs, and answers waits against
// both live runs and the registry.
package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/loop"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/sandbox"
	"github.com/runforge/runforge/internal/skills"
	"github.com/runforge/runforge/internal/tools"
	"github.com/runforge/runforge/internal/wal"
	"github.com/runforge/runforge/policy"
)

// Deps are the process-wide collaborators shared by every run the
// coordinator launches. Model is stateless across runs: the full transcript
// travels with every call.
type Deps struct {
	Journal  *wal.Store
	Registry *registry.SQLite
	Policy   *policy.Engine
	Model    loop.ModelClient
	Broker   *approval.PendingBroker
	Sandbox  sandbox.Adapter
	Skills   skills.Injector
	Human    loop.HumanIO
	Logger   *slog.Logger
	MaxTurns int
}

// Coordinator owns the set of live runners. It implements loop.Collab, so
// runs can spawn and steer child runs through ordinary tool calls.
type Coordinator struct {
	deps Deps
	log  *slog.Logger

	mu   sync.Mutex
	live map[string]*loop.Runner
}

func New(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		deps: deps,
		log:  logger,
		live: make(map[string]*loop.Runner),
	}
}

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// StartRoot creates and launches a top-level run.
func (c *Coordinator) StartRoot(ctx context.Context, task, workspaceRoot string) (string, error) {
	if task == "" {
		return "", domain.Errorf(domain.KindValidation, "task is required")
	}
	return c.start(ctx, task, workspaceRoot, "")
}

// Spawn creates and launches a child run on behalf of parentRunID. The
// child is an independent run with its own log; lineage lives in the
// registry only.
func (c *Coordinator) Spawn(ctx context.Context, parentRunID, task string) (string, error) {
	if task == "" {
		return "", domain.Errorf(domain.KindValidation, "task is required")
	}
	parent, err := c.deps.Registry.GetRun(ctx, parentRunID)
	if err != nil {
		return "", err
	}
	return c.start(ctx, task, parent.WorkspaceRoot, parentRunID)
}

func (c *Coordinator) start(ctx context.Context, task, workspaceRoot, parentRunID string) (string, error) {
	runID := newRunID()
	if err := c.deps.Journal.Create(runID); err != nil {
		return "", err
	}
	run := &domain.Run{
		RunID:          runID,
		WorkspaceRoot:  workspaceRoot,
		ParentRunID:    parentRunID,
		ResumeStrategy: domain.ResumeNone,
		Status:         domain.RunStatusCreated,
		CreatedAt:      time.Now(),
	}
	if err := c.deps.Registry.CreateRun(ctx, run); err != nil {
		c.deps.Journal.Discard(runID)
		return "", err
	}
	c.launch(runID, task, workspaceRoot)
	return runID, nil
}

// Resume launches the runner for an already-registered run, typically a
// fork destination whose prefix is in place. The runner replays the prefix
// before taking its first live turn.
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	run, err := c.deps.Registry.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return domain.Errorf(domain.KindConflict, "run %s is already terminal", runID)
	}
	c.mu.Lock()
	_, alive := c.live[runID]
	c.mu.Unlock()
	if alive {
		return domain.Errorf(domain.KindConflict, "run %s is already live", runID)
	}
	c.launch(runID, "", run.WorkspaceRoot)
	return nil
}

func (c *Coordinator) launch(runID, task, workspaceRoot string) {
	gate := approval.NewGate(runID, c.deps.Policy, c.deps.Broker, c.deps.Registry, c.deps.Journal)
	runner := loop.New(loop.Config{
		RunID:      runID,
		Task:       task,
		Workspace:  workspaceRoot,
		Journal:    c.deps.Journal,
		Registry:   c.deps.Registry,
		Gate:       gate,
		Model:      c.deps.Model,
		Dispatcher: tools.NewWorkspaceRegistry(workspaceRoot),
		Sandbox:    c.deps.Sandbox,
		Human:      c.deps.Human,
		Skills:     c.deps.Skills,
		Collab:     c,
		Logger:     c.log,
		MaxTurns:   c.deps.MaxTurns,
	})

	c.mu.Lock()
	c.live[runID] = runner
	c.mu.Unlock()

	go func() {
		// Run owns its own lifetime; a caller's request context must not
		// cancel an already-launched run.
		if err := runner.Run(context.Background()); err != nil {
			c.log.Error("run terminated abnormally", "run_id", runID, "err", err)
		}
		c.mu.Lock()
		delete(c.live, runID)
		c.mu.Unlock()
	}()
}

// SendInput queues text for a live run's next turn boundary.
func (c *Coordinator) SendInput(ctx context.Context, runID, text string) error {
	if text == "" {
		return domain.Errorf(domain.KindValidation, "text is required")
	}
	c.mu.Lock()
	runner, alive := c.live[runID]
	c.mu.Unlock()
	if alive && !isDone(runner) {
		runner.SendInput(text)
		return nil
	}

	run, err := c.deps.Registry.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return domain.Errorf(domain.KindConflict, "run %s is terminal", runID)
	}
	return domain.Errorf(domain.KindConflict, "run %s is not live", runID)
}

// Wait blocks until runID reaches a terminal state, the timeout elapses, or
// ctx is done. timeout zero polls without blocking; negative waits
// indefinitely. A timed-out wait leaves the run untouched.
func (c *Coordinator) Wait(ctx context.Context, runID string, timeout time.Duration) (*domain.WaitResponse, error) {
	c.mu.Lock()
	runner, alive := c.live[runID]
	c.mu.Unlock()

	if !alive {
		return c.waitFromRegistry(ctx, runID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	} else if timeout == 0 {
		select {
		case <-runner.Done():
		default:
			return c.snapshot(ctx, runID, true)
		}
	}

	select {
	case <-runner.Done():
		status, final := runner.Result()
		return &domain.WaitResponse{
			RunID:       runID,
			Status:      status,
			Terminal:    true,
			FinalOutput: final,
		}, nil
	case <-timer:
		return c.snapshot(ctx, runID, true)
	case <-ctx.Done():
		return nil, domain.WrapErr(domain.KindTimeout, ctx.Err(), "wait for run %s interrupted", runID)
	}
}

// waitFromRegistry answers waits for runs with no live runner in this
// process, serving final state straight from the registry.
func (c *Coordinator) waitFromRegistry(ctx context.Context, runID string) (*domain.WaitResponse, error) {
	run, err := c.deps.Registry.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	resp := &domain.WaitResponse{
		RunID:    runID,
		Status:   run.Status,
		Terminal: run.Status.IsTerminal(),
	}
	if run.Status == domain.RunStatusCompleted {
		resp.FinalOutput = c.finalOutput(ctx, runID)
	}
	return resp, nil
}

func (c *Coordinator) snapshot(ctx context.Context, runID string, timedOut bool) (*domain.WaitResponse, error) {
	run, err := c.deps.Registry.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &domain.WaitResponse{
		RunID:    runID,
		Status:   run.Status,
		Terminal: run.Status.IsTerminal(),
		TimedOut: timedOut && !run.Status.IsTerminal(),
	}, nil
}

// finalOutput recovers the final message from the log's terminal event.
func (c *Coordinator) finalOutput(ctx context.Context, runID string) string {
	tail, err := c.deps.Journal.Tail(ctx, runID)
	if err != nil || tail < 0 {
		return ""
	}
	events, err := c.deps.Journal.Read(ctx, runID, tail, tail)
	if err != nil || len(events) == 0 {
		return ""
	}
	if events[0].Type != domain.EventTypeRunCompleted {
		return ""
	}
	var p domain.RunCompletedPayload
	if err := json.Unmarshal(events[0].Payload, &p); err != nil {
		return ""
	}
	return p.FinalMessage
}

// Close requests cooperative cancellation. A terminal run is a no-op.
func (c *Coordinator) Close(ctx context.Context, runID, reason string) error {
	c.mu.Lock()
	runner, alive := c.live[runID]
	c.mu.Unlock()
	if alive && !isDone(runner) {
		runner.RequestClose(reason)
		return nil
	}

	run, err := c.deps.Registry.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return domain.Errorf(domain.KindConflict, "run %s is not live", runID)
}

// isDone reports whether a runner reached its terminal event. The launch
// goroutine prunes the live map shortly after, so this only matters for the
// gap in between.
func isDone(r *loop.Runner) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// Live reports whether a runner for runID exists in this process.
func (c *Coordinator) Live(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[runID]
	return ok
}

// Shutdown requests close on every live run and waits for them to drain,
// bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	runners := make([]*loop.Runner, 0, len(c.live))
	for _, r := range c.live {
		r.RequestClose("shutting down")
		runners = append(runners, r)
	}
	c.mu.Unlock()

	for _, r := range runners {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
