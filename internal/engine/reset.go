package engine

import (
	"context"
	"fmt"
	"time"

	"giftflow/internal/domain"
	"giftflow/internal/events"
)

// ResetWorkflow deletes every task in a scope and re-seeds from the factory,
// all in one transaction. Privileged: callers must hold the admin role,
// enforced at the surface.
func (e Engine) ResetWorkflow(ctx context.Context, scope domain.Scope, actor domain.Actor) ([]domain.Task, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("exactly one of donation or participant scope required")
	}

	var campaignID, donorID string
	var chain = e.Config.Workflow.Donation
	if scope.DonationID != "" {
		d, err := e.Repo.GetDonation(ctx, scope.DonationID)
		if err != nil {
			return nil, fmt.Errorf("donation %s: %w", scope.DonationID, err)
		}
		campaignID, donorID = d.CampaignID, d.DonorID
	} else {
		p, err := e.Repo.GetParticipant(ctx, scope.ParticipantID)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", scope.ParticipantID, err)
		}
		campaignID, donorID = p.CampaignID, p.DonorID
		chain = e.Config.Workflow.Participant
	}

	now := e.now().UTC().Format(time.RFC3339)
	tasks := buildChain(scope, campaignID, donorID, chain, 1, now)
	if err := ValidateGraph(tasks); err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteScopeTasks(ctx, tx, scope); err != nil {
		return nil, err
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
	if err := e.Events.Append(ctx, tx, "workflow.reset", scope.Key(), "", actor.ID, events.EventPayload{"tasks": len(tasks)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}
