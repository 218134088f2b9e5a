package importjob

import (
	"context"

	"github.com/google/uuid"
)

type FindParams struct {
	Limit  int
	Offset int
}

// Repository is the Import Job Store. Every operation is scoped to the
// tenant in the context; a job belonging to another tenant behaves as if
// it did not exist.
type Repository interface {
	Create(ctx context.Context, job ImportJob) (ImportJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (ImportJob, error)
	ListRecent(ctx context.Context, params *FindParams) ([]ImportJob, int64, error)

	// Start moves pending→processing and stamps started_at exactly once.
	Start(ctx context.Context, id uuid.UUID) (ImportJob, error)

	// ApplyBatch moves all counters of one batch in a single atomic
	// update, appends the batch's row errors (subject to the store's
	// error cap), and recomputes progress. It returns the counters after
	// the update so callers observe a consistent snapshot.
	ApplyBatch(ctx context.Context, id uuid.UUID, delta BatchDelta, rowErrors []RowError) (Counters, error)

	// Finish moves processing to the given terminal status and stamps
	// completed_at exactly once. Finishing an already-terminal job is an
	// ErrInvalidTransition.
	Finish(ctx context.Context, id uuid.UUID, status Status) error

	// RequestCancel marks the job for cooperative cancellation; the
	// engine honors it at the next batch boundary.
	RequestCancel(ctx context.Context, id uuid.UUID) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}
