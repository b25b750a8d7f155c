package engine

import (
	"context"
	"time"
)

// Store is the durable task record. Implementations must make UpdateTask an
// atomic compare-and-swap on Task.Version and EscalateIfOverdue a single
// conditional write, so concurrent transitions and scanner passes cannot
// both win.
type Store interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)

	// UpdateTask persists the task only if the stored version still equals
	// task.Version, then bumps the version. Returns ErrConcurrentModification
	// when the check fails and ErrTaskNotFound for an unknown id.
	UpdateTask(ctx context.Context, task Task) (Task, error)

	ListTasksByProject(ctx context.Context, projectID string) ([]Task, error)

	// ListOverdueOngoing returns ongoing, non-archived tasks whose expected
	// end time is set and earlier than cutoff.
	ListOverdueOngoing(ctx context.Context, cutoff time.Time) ([]Task, error)

	// EscalateIfOverdue atomically escalates the task only if it is still
	// ongoing, not archived, and still overdue at now. Reports whether the
	// write was applied.
	EscalateIfOverdue(ctx context.Context, taskID string, now time.Time, reason string) (bool, error)

	Close() error
}
