package service

import (
	"context"

	"github.com/runforge/runforge/internal/domain"
)

// ReadEvents returns events in [from, to]; to = -1 reads through the tail.
func (s *Service) ReadEvents(ctx context.Context, runID string, from, to int64) ([]domain.Event, error) {
	return s.journal.Read(ctx, runID, from, to)
}

// TailIndex returns the highest index in the run's log, -1 when empty.
func (s *Service) TailIndex(ctx context.Context, runID string) (int64, error) {
	return s.journal.Tail(ctx, runID)
}

// WatchEvents replays events from `from` and then follows live appends.
// The returned cancel func must be called to release the watcher.
func (s *Service) WatchEvents(ctx context.Context, runID string, from int64) (<-chan domain.Event, func(), error) {
	return s.journal.Watch(ctx, runID, from)
}
