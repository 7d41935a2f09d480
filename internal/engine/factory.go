package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/events"
	"giftflow/internal/repo"
)

// SeedDonationWorkflow builds the initial task chain for a donation. The
// generated set is a linear chain: the first task starts pending, every
// later task depends on its predecessor and starts blocked. Task ids are
// deterministic ({scopeID}_{slug}) so re-seeding is detectable; a scope that
// already has tasks gets ErrAlreadySeeded and no writes.
func (e Engine) SeedDonationWorkflow(ctx context.Context, donationID string, actor domain.Actor) ([]domain.Task, error) {
	d, err := e.Repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, fmt.Errorf("donation %s: %w", donationID, err)
	}
	scope := domain.Scope{DonationID: donationID}
	return e.seed(ctx, scope, d.CampaignID, d.DonorID, e.Config.Workflow.Donation, actor)
}

// SeedParticipantWorkflow seeds the legacy participant-scoped chain. The
// participant's status field resets to "active" in the same transaction as
// the task writes.
func (e Engine) SeedParticipantWorkflow(ctx context.Context, participantID string, actor domain.Actor) ([]domain.Task, error) {
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", participantID, err)
	}
	scope := domain.Scope{ParticipantID: participantID}
	return e.seed(ctx, scope, p.CampaignID, p.DonorID, e.Config.Workflow.Participant, actor)
}

func (e Engine) seed(ctx context.Context, scope domain.Scope, campaignID, donorID string, chain []config.TaskTemplate, actor domain.Actor) ([]domain.Task, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("workflow catalog has no templates for this scope")
	}
	tasks := buildChain(scope, campaignID, donorID, chain, 1, e.now().UTC().Format(time.RFC3339))
	if err := ValidateGraph(tasks); err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.CountScopeTasks(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrAlreadySeeded
	}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if scope.DonationID != "" {
		if err := e.Repo.UpdateDonationStatus(ctx, tx, scope.DonationID, "in_progress"); err != nil {
			return nil, err
		}
	} else {
		if err := e.Repo.UpdateParticipantStatus(ctx, tx, scope.ParticipantID, "active"); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workflow.seeded", scope.Key(), "", actor.ID, events.EventPayload{"tasks": len(tasks)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// buildChain turns an ordered template list into a linear dependency chain
// starting at the given order index.
func buildChain(scope domain.Scope, campaignID, donorID string, chain []config.TaskTemplate, startOrder int, now string) []domain.Task {
	tasks := make([]domain.Task, 0, len(chain))
	var prevID string
	for i, tpl := range chain {
		t := domain.Task{
			ID:           scope.Key() + "_" + tpl.Slug,
			CampaignID:   campaignID,
			DonorID:      donorID,
			Type:         domain.TaskType(tpl.Type),
			Title:        tpl.Title,
			Description:  tpl.Description,
			AssignedRole: domain.Role(tpl.Role),
			Status:       domain.StatusBlocked,
			Priority:     domain.Priority(tpl.Priority),
			Order:        startOrder + i,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityMedium
		}
		if scope.DonationID != "" {
			id := scope.DonationID
			t.DonationID = &id
		} else {
			id := scope.ParticipantID
			t.ParticipantID = &id
		}
		if prevID == "" {
			t.Status = domain.StatusPending
		} else {
			t.Dependencies = []string{prevID}
		}
		prevID = t.ID
		tasks = append(tasks, t)
	}
	return tasks
}

// expandAIAppraisal appends the appraisal sub-chain behind a completed
// invitation task, inside the caller's transaction. The appended tasks start
// blocked; the caller's unblocking scan makes the first one pending. A scope
// that already has appraisal tasks is left untouched.
func (e Engine) expandAIAppraisal(ctx context.Context, tx *sql.Tx, invitation domain.Task, byID map[string]*domain.Task, now, actorID string) ([]domain.Task, error) {
	chain := e.Config.Workflow.AIAppraisal
	if len(chain) == 0 {
		return nil, nil
	}
	for _, t := range byID {
		switch t.Type {
		case domain.TypeAppraisalRequest, domain.TypeAppraisalSubmission, domain.TypeAppraisalReview:
			return nil, nil
		}
	}
	scope := domain.ScopeOf(invitation)
	maxOrder := 0
	for _, t := range byID {
		if t.Order > maxOrder {
			maxOrder = t.Order
		}
	}
	tasks := buildChain(scope, invitation.CampaignID, invitation.DonorID, chain, maxOrder+1, now)
	// The sub-chain hangs off the invitation rather than starting free.
	tasks[0].Status = domain.StatusBlocked
	tasks[0].Dependencies = []string{invitation.ID}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workflow.expanded", scope.Key(), invitation.ID, actorID, events.EventPayload{"tasks": len(tasks)}); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ValidateGraph checks that a task set forms a same-scope DAG. Violations
// are DataIntegrityError.
func ValidateGraph(tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	scope := domain.ScopeOf(tasks[0])
	byID := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if domain.ScopeOf(t) != scope {
			return DataIntegrityError{TaskID: t.ID, Detail: "task belongs to a different scope than its set"}
		}
		byID[t.ID] = t.Dependencies
	}
	for id, deps := range byID {
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				return DataIntegrityError{TaskID: id, Detail: fmt.Sprintf("dependency %s missing from scope", dep)}
			}
		}
	}
	// Kahn-style cycle check.
	indegree := make(map[string]int, len(byID))
	for id := range byID {
		indegree[id] = len(byID[id])
	}
	queue := make([]string, 0, len(byID))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	dependents := make(map[string][]string, len(byID))
	for id, deps := range byID {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(byID) {
		return DataIntegrityError{TaskID: tasks[0].ID, Detail: "dependency cycle detected"}
	}
	return nil
}

// IsNotFound reports whether err is the storage missing-record sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
