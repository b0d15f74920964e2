// Package service exposes the runtime's operations to the transport layer:
// run lifecycle, forking, approvals, and event access.
package service

import (
	"log/slog"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/collab"
	"github.com/runforge/runforge/internal/fork"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/wal"
)

type Service struct {
	journal     *wal.Store
	registry    *registry.SQLite
	forks       *fork.Engine
	coordinator *collab.Coordinator
	broker      *approval.PendingBroker
	log         *slog.Logger

	defaultWorkspace string
}

func New(journal *wal.Store, reg *registry.SQLite, forks *fork.Engine, coordinator *collab.Coordinator, broker *approval.PendingBroker, defaultWorkspace string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		journal:          journal,
		registry:         reg,
		forks:            forks,
		coordinator:      coordinator,
		broker:           broker,
		log:              logger,
		defaultWorkspace: defaultWorkspace,
	}
}
