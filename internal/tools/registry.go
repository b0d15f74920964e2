// Package tools dispatches approved server-side tool executions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/runforge/runforge/internal/domain"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a tool name.
func (r *Registry) Register(toolName string, exec ExecutorFunc) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[toolName]; exists {
		return fmt.Errorf("executor already registered for %s", toolName)
	}
	r.executors[toolName] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(toolName string, exec ExecutorFunc) {
	if err := r.Register(toolName, exec); err != nil {
		panic(err)
	}
}

// Known reports whether a tool has an executor.
func (r *Registry) Known(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[toolName]
	return ok
}

// Execute runs the executor for the tool name.
func (r *Registry) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if toolName == "" {
		return nil, domain.Errorf(domain.KindValidation, "tool name is required")
	}
	r.mu.RLock()
	exec := r.executors[toolName]
	r.mu.RUnlock()
	if exec == nil {
		return nil, domain.Errorf(domain.KindNotFound, "no executor registered for %s", toolName)
	}
	return exec(ctx, args)
}
