package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentic-research/stratum/internal/config"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/jobs"
)

// OpenStore opens the configured graph store backend.
func OpenStore(cfg *config.Config) (graph.Store, error) {
	roots := cfg.Hierarchy.RootIDs
	switch cfg.Store.Driver {
	case "memory":
		return graph.NewMemoryStore(roots...), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir: %w", err)
			}
		}
		s, err := graph.OpenSQLiteStore(cfg.Store.Path, roots...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// CheckpointStore is a Checkpoints backend the caller must close.
type CheckpointStore interface {
	jobs.Checkpoints
	Close() error
}

type memoryCheckpoints struct{ *jobs.MemoryCheckpoints }

func (memoryCheckpoints) Close() error { return nil }

// OpenCheckpoints opens the configured progress-marker backend.
func OpenCheckpoints(cfg *config.Config) (CheckpointStore, error) {
	switch cfg.Checkpoints.Driver {
	case "memory":
		return memoryCheckpoints{jobs.NewMemoryCheckpoints()}, nil
	case "badger":
		if cfg.Checkpoints.Dir != "" {
			if err := os.MkdirAll(cfg.Checkpoints.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir: %w", err)
			}
		}
		c, err := jobs.OpenBadgerCheckpoints(cfg.Checkpoints.Dir)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown checkpoints driver %q", cfg.Checkpoints.Driver)
}
