package adapter

import (
	"context"
	"log/slog"
	"time"

	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/repo"
)

// ValuationWebhook is the payload posted by the valuation provider.
type ValuationWebhook struct {
	ValuationID     string   `json:"valuation_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	Status          string   `json:"status,omitempty"`
	ValuationAmount *float64 `json:"valuation_amount,omitempty"`
	ReportURL       string   `json:"report_url,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
	// Timestamp is the provider's send time, unix seconds. Deliveries older
	// than the freshness window are rejected.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ValuationCompleted is the provider status that completes a submission task.
const ValuationCompleted = "completed"

// ValuationAdapter applies valuation provider webhooks to appraisal tasks.
type ValuationAdapter struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Provider ValuationProvider
	// Freshness bounds how old a webhook timestamp may be.
	Freshness time.Duration
	Log       *slog.Logger
	Now       func() time.Time
}

func (a ValuationAdapter) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// WebhookResult reports what a delivery did.
type WebhookResult struct {
	Matched   bool
	Completed bool
	TaskID    string
}

func (a ValuationAdapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// HandleWebhook processes one delivery. Deliveries are at-least-once and may
// arrive out of order: a terminal status on an already-completed task is a
// no-op, a non-terminal status merges metadata only, and an unmatched
// valuation id is logged and swallowed so the provider does not retry
// forever.
func (a ValuationAdapter) HandleWebhook(ctx context.Context, hook ValuationWebhook) (WebhookResult, error) {
	age := a.now().Sub(time.Unix(hook.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > a.Freshness {
		return WebhookResult{}, StaleError{Age: age.Truncate(time.Second).String()}
	}

	tasks, err := a.Repo.TasksByValuation(ctx, hook.ValuationID)
	if err != nil {
		return WebhookResult{}, err
	}
	if len(tasks) == 0 {
		a.logger().Warn("valuation webhook matched no task", "valuation", hook.ValuationID, "status", hook.Status)
		if err := a.Engine.Events.AppendStandalone(ctx, "webhook.ignored", "", "", SystemActorID, map[string]any{
			"provider":     "valuation",
			"valuation_id": hook.ValuationID,
			"status":       hook.Status,
		}); err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{}, nil
	}
	// More than one task can carry the valuation id; apply the delivery to
	// each and report the completed one when there is one.
	out := WebhookResult{Matched: true, TaskID: tasks[0].ID}
	for _, t := range tasks {
		meta := domain.Metadata{Appraisal: &domain.AppraisalMeta{
			ValuationID:     hook.ValuationID,
			ValuationStatus: hook.Status,
			ValuationAmount: hook.ValuationAmount,
			ReportURL:       hook.ReportURL,
		}}

		if hook.Status != ValuationCompleted || t.Type != domain.TypeAppraisalSubmission {
			if _, err := a.Engine.MergeMetadata(ctx, t.ID, meta, SystemActorID); err != nil {
				return WebhookResult{}, err
			}
			a.logger().Info("valuation status recorded", "task", t.ID, "valuation", hook.ValuationID, "status", hook.Status)
			continue
		}

		res, err := a.Engine.Complete(ctx, engine.CompleteOptions{
			TaskID: t.ID,
			Actor:  domain.Actor{ID: SystemActorID, Role: domain.RoleAdmin},
			Completion: map[string]any{
				"source":       "valuation_webhook",
				"valuation_id": hook.ValuationID,
				"completed_at": hook.CompletedAt,
			},
			Metadata: &meta,
		})
		if err != nil {
			return WebhookResult{}, err
		}
		a.logger().Info("appraisal task completed from webhook", "task", t.ID, "valuation", hook.ValuationID, "unblocked", len(res.Unblocked))
		out.Completed = true
		out.TaskID = res.Task.ID
	}
	return out, nil
}

// RequestValuation opens a valuation with the provider for an
// appraisal-request task, records the valuation id on the downstream
// submission task, and completes the request task. The appraiser email comes
// from the request task's assignee.
func (a ValuationAdapter) RequestValuation(ctx context.Context, taskID string, actor domain.Actor, payload map[string]any) (domain.Task, error) {
	t, err := a.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Type != domain.TypeAppraisalRequest {
		return domain.Task{}, engine.InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "not an appraisal request task"}
	}

	email := actor.ID
	if t.AssignedTo != nil && *t.AssignedTo != domain.AssigneeAny {
		email = *t.AssignedTo
	}
	userID, err := a.Provider.CreateUser(ctx, email)
	if err != nil {
		return domain.Task{}, UpstreamError{Provider: "valuation", Err: err}
	}
	valuationID, err := a.Provider.CreateValuation(ctx, userID, payload)
	if err != nil {
		return domain.Task{}, UpstreamError{Provider: "valuation", Err: err}
	}

	res, err := a.Engine.Complete(ctx, engine.CompleteOptions{
		TaskID: t.ID,
		Actor:  actor,
		Completion: map[string]any{
			"source":       "valuation_request",
			"valuation_id": valuationID,
		},
	})
	if err != nil {
		return domain.Task{}, err
	}

	// Attach the valuation id to the submission task the webhook will target.
	scoped, err := a.Repo.ListScopeTasks(ctx, domain.ScopeOf(t))
	if err != nil {
		return domain.Task{}, err
	}
	for _, s := range scoped {
		if s.Type == domain.TypeAppraisalSubmission && s.Metadata.ValuationID() == "" {
			meta := domain.Metadata{Appraisal: &domain.AppraisalMeta{ValuationID: valuationID, ValuationStatus: "pending"}}
			if _, err := a.Engine.MergeMetadata(ctx, s.ID, meta, actor.ID); err != nil {
				return domain.Task{}, err
			}
			break
		}
	}
	a.logger().Info("valuation opened", "task", t.ID, "valuation", valuationID)
	return res.Task, nil
}
