package engine

import (
	"errors"
	"fmt"

	"giftflow/internal/domain"
)

// ErrAlreadySeeded is returned by the factory when a workflow scope already
// has tasks; seeding never duplicates.
var ErrAlreadySeeded = errors.New("workflow already seeded")

// InvalidStateError is an attempt to transition a task in a way its current
// status does not allow.
type InvalidStateError struct {
	TaskID string
	Status domain.TaskStatus
	Reason string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("task %s in status %s: %s", e.TaskID, e.Status, e.Reason)
}

// DataIntegrityError is a dependency graph violation: a missing, cross-scope
// or cyclic dependency reference. The transition is aborted, never silently
// repaired.
type DataIntegrityError struct {
	TaskID string
	Detail string
}

func (e DataIntegrityError) Error() string {
	return fmt.Sprintf("task %s dependency graph violation: %s", e.TaskID, e.Detail)
}
