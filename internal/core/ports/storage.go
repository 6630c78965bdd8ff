package ports

import (
	"context"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// RunStore persists pipeline runs and their lifecycle event log.
// Implementations: SQLite (default), PostgreSQL, in-memory.
type RunStore interface {
	// SaveRun inserts or replaces the run record including its stage history.
	SaveRun(ctx context.Context, run *domain.PipelineRun) error

	// GetRun retrieves a run by ID. Returns domain.ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)

	// ListRuns lists runs, newest first.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*domain.PipelineRun, error)

	// AppendEvent appends a lifecycle event to the run's audit log.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// ListEvents returns the events recorded for a run ordered by time.
	ListEvents(ctx context.Context, runID string) ([]*domain.Event, error)

	Close() error
}

// RunListOptions defines options for listing runs.
type RunListOptions struct {
	Pipeline string
	Status   domain.RunStatus // optional filter
	Limit    int
	Offset   int
}
