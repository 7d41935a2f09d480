package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/events"
	"giftflow/internal/repo"
)

// Engine owns every read-modify-write transition of task state. Adapters and
// handlers never mutate status directly; they call Complete, Start or
// MergeMetadata.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CompleteOptions are parameters for completing a task.
type CompleteOptions struct {
	TaskID string
	Actor  domain.Actor
	// Completion is the free-form payload captured at completion time.
	Completion map[string]any
	// Metadata, when set, is merged into the task's metadata bag before the
	// completion write.
	Metadata *domain.Metadata
}

// CompleteResult reports the completed task and the ids of dependents this
// completion unblocked, in order position.
type CompleteResult struct {
	Task      domain.Task
	Unblocked []string
}

// Complete marks a task completed and transitions every dependent whose full
// dependency set is now completed from blocked to pending. The completion
// write and the unblocking scan commit as one transaction; the scoped task
// set is re-read inside the transaction so concurrent sibling completions
// are re-derived rather than cached.
//
// Completing an already-completed task is a no-op success.
func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (CompleteResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("load task %s: %w", opts.TaskID, err)
	}
	if t.Status == domain.StatusCompleted {
		return CompleteResult{Task: t}, nil
	}
	if t.Status == domain.StatusCancelled {
		return CompleteResult{}, InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "cancelled tasks cannot be completed"}
	}

	scope := domain.ScopeOf(t)
	if !scope.Valid() {
		return CompleteResult{}, DataIntegrityError{TaskID: t.ID, Detail: "task has no valid workflow scope"}
	}
	scoped, err := e.Repo.ListScopeTasksTx(ctx, tx, scope)
	if err != nil {
		return CompleteResult{}, err
	}
	byID := make(map[string]*domain.Task, len(scoped))
	for i := range scoped {
		byID[scoped[i].ID] = &scoped[i]
	}

	// Every dependency must exist in this scope and be completed before the
	// task itself may complete.
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return CompleteResult{}, DataIntegrityError{TaskID: t.ID, Detail: fmt.Sprintf("dependency %s missing from scope", dep)}
		}
		if d.Status != domain.StatusCompleted {
			return CompleteResult{}, InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: fmt.Sprintf("dependency %s not completed", dep)}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if opts.Metadata != nil {
		t.Metadata.Merge(*opts.Metadata)
	}
	if opts.Completion != nil {
		data, err := json.Marshal(opts.Completion)
		if err != nil {
			return CompleteResult{}, fmt.Errorf("completion payload: %w", err)
		}
		s := string(data)
		t.Completion = &s
	}
	t.Status = domain.StatusCompleted
	t.CompletedAt = &now
	actorID := opts.Actor.ID
	t.CompletedBy = &actorID
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return CompleteResult{}, err
	}
	byID[t.ID] = &t
	if err := e.Events.Append(ctx, tx, "task.completed", scope.Key(), t.ID, actorID, events.EventPayload{"type": t.Type}); err != nil {
		return CompleteResult{}, err
	}

	// Incremental factory: a completed invitation that chose the AI path
	// grows the appraisal sub-chain behind it.
	if t.Type == domain.TypeInvitation && invitationMethod(t) == "ai" {
		appended, err := e.expandAIAppraisal(ctx, tx, t, byID, now, actorID)
		if err != nil {
			return CompleteResult{}, err
		}
		for i := range appended {
			byID[appended[i].ID] = &appended[i]
			scoped = append(scoped, appended[i])
		}
	}

	var unblocked []string
	for i := range scoped {
		dep := byID[scoped[i].ID]
		if dep.Status != domain.StatusBlocked || !contains(dep.Dependencies, t.ID) {
			continue
		}
		if !allCompleted(dep.Dependencies, byID) {
			continue
		}
		dep.Status = domain.StatusPending
		dep.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, *dep); err != nil {
			return CompleteResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.unblocked", scope.Key(), dep.ID, actorID, events.EventPayload{"after": t.ID}); err != nil {
			return CompleteResult{}, err
		}
		unblocked = append(unblocked, dep.ID)
	}

	if err := e.markScopeDoneIfFinished(ctx, tx, scope, byID, actorID); err != nil {
		return CompleteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Task: t, Unblocked: unblocked}, nil
}

func invitationMethod(t domain.Task) string {
	if t.Metadata.Invitation != nil && t.Metadata.Invitation.Method != "" {
		return t.Metadata.Invitation.Method
	}
	if t.Completion == nil {
		return ""
	}
	var payload struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(*t.Completion), &payload); err != nil {
		return ""
	}
	return payload.Method
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func allCompleted(deps []string, byID map[string]*domain.Task) bool {
	for _, dep := range deps {
		d, ok := byID[dep]
		if !ok || d.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// markScopeDoneIfFinished moves the owning donation or participant record to
// completed once every task in the scope is completed or cancelled.
func (e Engine) markScopeDoneIfFinished(ctx context.Context, tx *sql.Tx, scope domain.Scope, byID map[string]*domain.Task, actorID string) error {
	for _, t := range byID {
		if !t.Status.Terminal() {
			return nil
		}
	}
	var err error
	if scope.DonationID != "" {
		err = e.Repo.UpdateDonationStatus(ctx, tx, scope.DonationID, "completed")
	} else {
		err = e.Repo.UpdateParticipantStatus(ctx, tx, scope.ParticipantID, "completed")
	}
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "workflow.finished", scope.Key(), "", actorID, nil)
}

// Start moves a pending task to in_progress.
func (e Engine) Start(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusInProgress {
		return t, nil
	}
	if t.Status != domain.StatusPending {
		return t, InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "only pending tasks can be started"}
	}
	t.Status = domain.StatusInProgress
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", domain.ScopeOf(t).Key(), t.ID, actor.ID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Cancel marks a non-terminal task cancelled. Cancelled tasks never satisfy
// dependencies, so downstream work stays blocked until a workflow reset.
func (e Engine) Cancel(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusCancelled {
		return t, nil
	}
	if t.Status == domain.StatusCompleted {
		return t, InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "completed tasks cannot be cancelled"}
	}
	t.Status = domain.StatusCancelled
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", domain.ScopeOf(t).Key(), t.ID, actor.ID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// MergeMetadata is the designated metadata-only update used by adapters for
// status payloads that do not complete a task. It never touches status.
func (e Engine) MergeMetadata(ctx context.Context, taskID string, meta domain.Metadata, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	t.Metadata.Merge(meta)
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.metadata.merged", domain.ScopeOf(t).Key(), t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// AddComment appends a remark to a task. Comments have no state effect.
func (e Engine) AddComment(ctx context.Context, taskID, authorID, body string) (domain.Comment, error) {
	if body == "" {
		return domain.Comment{}, fmt.Errorf("comment body required")
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertComment(ctx, c); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}
