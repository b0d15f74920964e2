package approval

import (
	"context"
	"sync"

	"github.com/runforge/runforge/internal/domain"
)

// PendingBroker parks approval prompts until an external caller resolves
// them, bridging the blocking gate to the HTTP approval endpoint. It
// implements Decider.
type PendingBroker struct {
	mu      sync.Mutex
	pending map[string]chan domain.ApprovalResolution
	prompts map[string]domain.ApprovalPrompt
}

// NewPendingBroker builds an empty broker.
func NewPendingBroker() *PendingBroker {
	return &PendingBroker{
		pending: make(map[string]chan domain.ApprovalResolution),
		prompts: make(map[string]domain.ApprovalPrompt),
	}
}

// Decide blocks until Resolve is called for the prompt's approval id or the
// context ends. Context expiry fails the prompt (the gate turns that into a
// closed denial).
func (b *PendingBroker) Decide(ctx context.Context, prompt domain.ApprovalPrompt) (domain.ApprovalResolution, error) {
	ch := make(chan domain.ApprovalResolution, 1)
	b.mu.Lock()
	b.pending[prompt.ApprovalID] = ch
	b.prompts[prompt.ApprovalID] = prompt
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, prompt.ApprovalID)
		delete(b.prompts, prompt.ApprovalID)
		b.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return domain.ApprovalResolution{}, ctx.Err()
	}
}

// Resolve delivers a decision to a waiting prompt.
func (b *PendingBroker) Resolve(approvalID string, res domain.ApprovalResolution) error {
	b.mu.Lock()
	ch, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
		delete(b.prompts, approvalID)
	}
	b.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.KindNotFound, "approval %s is not pending", approvalID)
	}
	ch <- res
	return nil
}

// Pending lists prompts still waiting for a decision.
func (b *PendingBroker) Pending() []domain.ApprovalPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	prompts := make([]domain.ApprovalPrompt, 0, len(b.prompts))
	for _, p := range b.prompts {
		prompts = append(prompts, p)
	}
	return prompts
}
