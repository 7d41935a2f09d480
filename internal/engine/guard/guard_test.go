package guard_test

import (
	"errors"
	"testing"

	"giftflow/internal/domain"
	"giftflow/internal/engine/guard"
)

func task(status domain.TaskStatus, role domain.Role, assignedTo string) domain.Task {
	t := domain.Task{ID: "t1", Status: status, AssignedRole: role}
	if assignedTo != "" {
		t.AssignedTo = &assignedTo
	}
	return t
}

func TestCanActRoleWideAssignment(t *testing.T) {
	donor := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	if err := guard.CanAct(donor, task(domain.StatusPending, domain.RoleDonor, "")); err != nil {
		t.Fatalf("role holder should act: %v", err)
	}
	if err := guard.CanAct(donor, task(domain.StatusPending, domain.RoleDonor, domain.AssigneeAny)); err != nil {
		t.Fatalf("role holder should act on sentinel assignment: %v", err)
	}
	err := guard.CanAct(donor, task(domain.StatusPending, domain.RoleAppraiser, ""))
	var fe guard.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestCanActDirectAssignmentBeatsRole(t *testing.T) {
	// direct assignment to one donor excludes another donor with the same role
	other := domain.Actor{ID: "don-2", Role: domain.RoleDonor}
	err := guard.CanAct(other, task(domain.StatusPending, domain.RoleDonor, "don-1"))
	var fe guard.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	assignee := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	if err := guard.CanAct(assignee, task(domain.StatusPending, domain.RoleDonor, "don-1")); err != nil {
		t.Fatalf("assignee should act: %v", err)
	}
}

func TestCanActRejectsNonActionableStatus(t *testing.T) {
	donor := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	for _, status := range []domain.TaskStatus{domain.StatusBlocked, domain.StatusCompleted, domain.StatusCancelled} {
		err := guard.CanAct(donor, task(status, domain.RoleDonor, ""))
		var nae guard.NotActionableError
		if !errors.As(err, &nae) {
			t.Fatalf("status %s: expected NotActionableError, got %v", status, err)
		}
	}
	if err := guard.CanAct(donor, task(domain.StatusInProgress, domain.RoleDonor, "")); err != nil {
		t.Fatalf("in_progress should accept work: %v", err)
	}
}

func TestCanAdminister(t *testing.T) {
	if !guard.CanAdminister(domain.Actor{ID: "ops", Role: domain.RoleAdmin}) {
		t.Fatalf("admin role should administer")
	}
	if guard.CanAdminister(domain.Actor{ID: "npo", Role: domain.RoleNonprofitAdmin}) {
		t.Fatalf("nonprofit_admin must not administer")
	}
}
