package engine

import "errors"

// Error taxonomy surfaced to callers. The HTTP layer maps each to a distinct
// response category so the UI can tell "already terminal" from "retry" from
// "needs attention".
var (
	ErrTaskNotFound           = errors.New("task not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrTaskArchived           = errors.New("task is archived")
	ErrNoCrewAvailable        = errors.New("no active crew available for role")
	ErrConcurrentModification = errors.New("task was modified concurrently")
	ErrValidation             = errors.New("invalid request")
	ErrTimeout                = errors.New("collaborator timed out")
)

// Retryable reports whether the caller may retry the same call unchanged.
// The engine itself never auto-retries a conflicting write.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTimeout)
}
