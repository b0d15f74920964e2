// Package policy evaluates tool invocations against a rego policy before the
// approval gate ever considers prompting. A "deny" here short-circuits the
// gate without emitting any approval event.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy can return for a tool invocation.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionDeny            = "deny"
)

// Engine wraps a prepared rego query over the tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Input is what the policy sees for one invocation.
type Input struct {
	ToolName string         `json:"tool_name"`
	Resource string         `json:"resource"`
	Args     map[string]any `json:"args"`
	RunID    string         `json:"run_id"`
}

// Evaluate returns the policy decision for an invocation. Policies that
// return nothing default to allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		switch s {
		case DecisionAllow, DecisionRequireApproval, DecisionDeny:
			return s, nil
		}
		return "", fmt.Errorf("policy returned unknown decision %q", s)
	}
	return "", fmt.Errorf("policy returned non-string decision %T", val)
}

// DefaultPolicy requires approval for mutating tools and denies destructive
// ones outright. Deployments override this via the POLICY_FILE config.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

# Mutating tools go through the approval gate.
decision = "require_approval" {
	input.tool_name == "fs.write"
}

decision = "require_approval" {
	input.tool_name == "shell.exec"
}

# Tools that must never run, regardless of approval.
decision = "deny" {
	input.tool_name == "fs.delete_tree"
}
`
