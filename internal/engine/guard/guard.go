// Package guard decides whether an actor may transition a task. It is a pure
// check over the task snapshot; the completion engine re-validates state
// inside its transaction.
package guard

import (
	"fmt"

	"giftflow/internal/domain"
)

// ForbiddenError indicates a valid identity lacking ownership or role.
type ForbiddenError struct {
	ActorID string
	TaskID  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not act on task %s", e.ActorID, e.TaskID)
}

// NotActionableError indicates the task status does not accept work.
type NotActionableError struct {
	TaskID string
	Status domain.TaskStatus
}

func (e NotActionableError) Error() string {
	return fmt.Sprintf("task %s is %s and not actionable", e.TaskID, e.Status)
}

// CanAct returns nil when the actor may transition the task. A task is
// actionable by an actor when it is directly assigned to them, or when the
// assignment is the role sentinel or empty and the actor holds the assigned
// role. Tasks outside pending/in_progress reject new work; the idempotent
// completed no-op is the engine's concern, not the guard's.
func CanAct(actor domain.Actor, t domain.Task) error {
	if !t.Status.Actionable() {
		return NotActionableError{TaskID: t.ID, Status: t.Status}
	}
	if t.AssignedTo != nil && *t.AssignedTo != "" && *t.AssignedTo != domain.AssigneeAny {
		if *t.AssignedTo == actor.ID {
			return nil
		}
		return ForbiddenError{ActorID: actor.ID, TaskID: t.ID}
	}
	// Role-wide assignment: any holder of the role may act, first come first
	// served. The completing actor is recorded in completed_by.
	if actor.Role == t.AssignedRole {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, TaskID: t.ID}
}

// CanAdminister reports whether the actor holds the elevated role required
// for reset and stats operations.
func CanAdminister(actor domain.Actor) bool {
	return actor.Role == domain.RoleAdmin
}
