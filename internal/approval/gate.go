// Package approval implements the consent gate over (tool, resource) keys.
//
// Per-key states move unseen -> requested -> approved|denied; a session-scoped
// decision is promoted to cached and never re-triggers a request. Resolution
// order: policy-level deny (no event), session cache hit (no event), then
// prompt the human-I/O provider with a requested/decided event pair.
package approval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/policy"
)

// Appender is the narrow slice of the event store the gate writes through.
type Appender interface {
	Append(ctx context.Context, runID string, typ domain.EventType, payload any) (int64, error)
}

// Decider is the human-I/O provider for approval prompts. A nil Decider
// fails requests closed.
type Decider interface {
	Decide(ctx context.Context, prompt domain.ApprovalPrompt) (domain.ApprovalResolution, error)
}

// Recorder persists approval records for cross-process lookup. Optional.
type Recorder interface {
	CreateApproval(ctx context.Context, a *domain.ApprovalRecord) error
	UpdateApprovalDecision(ctx context.Context, approvalID string, decision domain.ApprovalDecision, scope domain.ApprovalScope, decidedBy, reason string) error
}

// Gate is one run's approval state machine. It is owned by the run's loop
// and is not safe for concurrent use; cross-run sharing is never allowed.
type Gate struct {
	runID    string
	engine   *policy.Engine
	decider  Decider
	recorder Recorder
	wal      Appender

	// cache holds session-scoped decisions by approval key. Rebuilt on
	// resume purely from decided events in the copied prefix.
	cache map[string]domain.ApprovalDecision
}

// NewGate builds the gate for one run.
func NewGate(runID string, engine *policy.Engine, decider Decider, recorder Recorder, wal Appender) *Gate {
	return &Gate{
		runID:    runID,
		engine:   engine,
		decider:  decider,
		recorder: recorder,
		wal:      wal,
		cache:    make(map[string]domain.ApprovalDecision),
	}
}

// Key derives the deterministic approval key for a tool and normalized
// resource. The key deliberately excludes the run id: a fork destination
// rehydrates its cache from decided events copied out of the source log, so
// the key must survive the rename. Run isolation comes from each run owning
// its own gate, not from the hash.
func Key(toolName, resource string) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(resource))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeResource canonicalizes tool arguments so that identical actions
// hash to identical keys regardless of field order or whitespace.
func NormalizeResource(args json.RawMessage) string {
	if len(bytes.TrimSpace(args)) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		// Not JSON: hash the raw bytes as-is.
		return string(args)
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.String()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

// Resolution is the gate's answer for one tool invocation.
type Resolution struct {
	Decision domain.ApprovalDecision
	Key      string
	// Reason is set for denials.
	Reason string
}

// Resolve runs the resolution order for one tool invocation. A denial is a
// normal Resolution, not an error; errors mean the gate itself could not
// operate (and the caller must fail the call closed).
func (g *Gate) Resolve(ctx context.Context, callID, toolName string, args json.RawMessage) (Resolution, error) {
	resource := NormalizeResource(args)
	key := Key(toolName, resource)

	var argsMap map[string]any
	if len(args) > 0 {
		json.Unmarshal(args, &argsMap)
	}
	decision, err := g.engine.Evaluate(ctx, policy.Input{
		ToolName: toolName,
		Resource: resource,
		Args:     argsMap,
		RunID:    g.runID,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	switch decision {
	case policy.DecisionDeny:
		// Policy-level deny: no event, the call never reaches a prompt.
		return Resolution{Decision: domain.DecisionDenied, Key: key, Reason: "denied by policy"}, nil
	case policy.DecisionAllow:
		return Resolution{Decision: domain.DecisionApproved, Key: key}, nil
	}

	if cached, ok := g.cache[key]; ok {
		// Cache hit: no requested event is emitted.
		res := Resolution{Decision: cached, Key: key}
		if cached == domain.DecisionDenied {
			res.Reason = "denied earlier this session"
		}
		return res, nil
	}

	if g.decider == nil {
		return Resolution{}, domain.Errorf(domain.KindPermission, "no human-io provider: approval for %s fails closed", toolName)
	}

	approvalID := "ap_" + uuid.New().String()[:8]
	prompt := domain.ApprovalPrompt{
		ApprovalID: approvalID,
		RunID:      g.runID,
		CallID:     callID,
		Key:        key,
		ToolName:   toolName,
		Resource:   resource,
	}

	if _, err := g.wal.Append(ctx, g.runID, domain.EventTypeApprovalRequested, domain.ApprovalRequestedPayload{
		ApprovalID: approvalID,
		CallID:     callID,
		Key:        key,
		ToolName:   toolName,
		Resource:   resource,
	}); err != nil {
		return Resolution{}, err
	}
	if g.recorder != nil {
		if err := g.recorder.CreateApproval(ctx, &domain.ApprovalRecord{
			ApprovalID: approvalID,
			RunID:      g.runID,
			CallID:     callID,
			Key:        key,
			ToolName:   toolName,
			Resource:   resource,
			State:      domain.ApprovalStateRequested,
			CreatedAt:  time.Now(),
		}); err != nil {
			return Resolution{}, err
		}
	}

	resolution, err := g.decider.Decide(ctx, prompt)
	if err != nil {
		// The prompt could not be answered: fail closed and record the
		// denial so the requested event has its matching decided event.
		resolution = domain.ApprovalResolution{
			Decision: domain.DecisionDenied,
			Scope:    domain.ScopeSingleCall,
			Reason:   fmt.Sprintf("approval prompt failed: %v", err),
		}
	}
	if resolution.Scope == "" {
		resolution.Scope = domain.ScopeSingleCall
	}

	if _, err := g.wal.Append(ctx, g.runID, domain.EventTypeApprovalDecided, domain.ApprovalDecidedPayload{
		ApprovalID: approvalID,
		Key:        key,
		Decision:   resolution.Decision,
		Scope:      resolution.Scope,
		DecidedBy:  resolution.DecidedBy,
		Reason:     resolution.Reason,
	}); err != nil {
		return Resolution{}, err
	}
	if g.recorder != nil {
		if err := g.recorder.UpdateApprovalDecision(ctx, approvalID, resolution.Decision, resolution.Scope, resolution.DecidedBy, resolution.Reason); err != nil {
			return Resolution{}, err
		}
	}

	if resolution.Scope == domain.ScopeSession {
		g.cache[key] = resolution.Decision
	}

	res := Resolution{Decision: resolution.Decision, Key: key, Reason: resolution.Reason}
	if res.Decision == domain.DecisionDenied && res.Reason == "" {
		res.Reason = "denied by user"
	}
	return res, nil
}

// Rehydrate rebuilds the session cache solely from decided events in a log
// prefix. Nothing absent from the prefix is ever granted.
func (g *Gate) Rehydrate(events []domain.Event) error {
	for _, ev := range events {
		if ev.Type != domain.EventTypeApprovalDecided {
			continue
		}
		var p domain.ApprovalDecidedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return domain.WrapErr(domain.KindValidation, err, "corrupt approval_decided at index %d", ev.Index)
		}
		if p.Scope == domain.ScopeSession {
			g.cache[p.Key] = p.Decision
		}
	}
	return nil
}

// Cached returns the memoized decision for a key, if any.
func (g *Gate) Cached(key string) (domain.ApprovalDecision, bool) {
	d, ok := g.cache[key]
	return d, ok
}

// CacheSize reports how many session-scoped decisions are memoized.
func (g *Gate) CacheSize() int { return len(g.cache) }
