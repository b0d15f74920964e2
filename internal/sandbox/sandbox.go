// Package sandbox adapts the physical sandbox to the runtime. The core never
// enforces isolation; the adapter only reports evidence of what is in effect,
// and that evidence is copied verbatim onto finished tool calls.
package sandbox

import (
	"context"

	"github.com/runforge/runforge/internal/domain"
)

// Adapter reports sandbox evidence for a pending tool execution.
type Adapter interface {
	Evidence(ctx context.Context, toolName string) (*domain.SandboxEvidence, error)
}

// Static reports a fixed evidence record, configured at startup. This is the
// honest shape for environments where the sandbox is set up (or absent)
// process-wide: requested mode from config, effective mode and adapter name
// from whatever the deployment actually provides.
type Static struct {
	Record domain.SandboxEvidence
}

// Evidence returns a copy of the configured record.
func (s *Static) Evidence(ctx context.Context, toolName string) (*domain.SandboxEvidence, error) {
	rec := s.Record
	return &rec, nil
}

// Unrestricted is the evidence for a deployment that never asked for
// isolation.
func Unrestricted() *Static {
	return &Static{Record: domain.SandboxEvidence{
		Requested: "none",
		Effective: "none",
		Adapter:   domain.SandboxAdapterNone,
		Active:    false,
	}}
}
