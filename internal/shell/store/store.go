package store

import (
	"context"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// RunStore defines the persistence interface for pipeline run history.
type RunStore interface {
	// SaveRun persists a terminated run and its stage results.
	SaveRun(ctx context.Context, run *pipeline.Run) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)

	// Lifecycle
	Close() error
}
