package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/repo"
)

// SystemActorID marks mutations applied by adapters rather than a person.
const SystemActorID = "system"

// SigningAdapter reconciles signing tasks against the e-signature provider.
type SigningAdapter struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Provider SigningProvider
	Blobs    BlobStore
	Log      *slog.Logger
}

func (a SigningAdapter) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// SyncResult reports the outcome of an envelope sync.
type SyncResult struct {
	Task      domain.Task
	Completed bool
	Status    string
}

// SyncTask polls the provider for the envelope attached to a signing task and,
// when the envelope has completed, downloads the signed artifact, stores it,
// and completes the task. Safe to call repeatedly: a completed task or an
// unfinished envelope comes back unchanged.
func (a SigningAdapter) SyncTask(ctx context.Context, taskID string) (SyncResult, error) {
	t, err := a.Repo.GetTask(ctx, taskID)
	if err != nil {
		return SyncResult{}, err
	}
	return a.sync(ctx, t)
}

// SyncEnvelope resolves the task carrying an envelope id and syncs it. Useful
// for provider callbacks that identify the envelope but not the task.
func (a SigningAdapter) SyncEnvelope(ctx context.Context, envelopeID string) (SyncResult, error) {
	tasks, err := a.Repo.TasksByEnvelope(ctx, envelopeID)
	if err != nil {
		return SyncResult{}, err
	}
	if len(tasks) == 0 {
		return SyncResult{}, repo.ErrNotFound
	}
	return a.sync(ctx, tasks[0])
}

func (a SigningAdapter) sync(ctx context.Context, t domain.Task) (SyncResult, error) {
	if t.Type != domain.TypeDocumentSigning {
		return SyncResult{}, engine.InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "not a signing task"}
	}
	envID := t.Metadata.EnvelopeID()
	if envID == "" {
		return SyncResult{}, engine.InvalidStateError{TaskID: t.ID, Status: t.Status, Reason: "no envelope attached"}
	}
	if t.Status == domain.StatusCompleted {
		return SyncResult{Task: t, Status: EnvelopeCompleted}, nil
	}

	env, err := a.Provider.EnvelopeStatus(ctx, envID)
	if err != nil {
		return SyncResult{}, UpstreamError{Provider: "signing", Err: err}
	}
	if env.Status != EnvelopeCompleted {
		a.logger().Debug("envelope not yet completed", "task", t.ID, "envelope", envID, "status", env.Status)
		return SyncResult{Task: t, Status: env.Status}, nil
	}

	data, err := a.Provider.DownloadSignedArtifact(ctx, envID)
	if err != nil {
		return SyncResult{}, UpstreamError{Provider: "signing", Err: err}
	}
	url, err := a.Blobs.Store(ctx, fmt.Sprintf("signed/%s/%s.pdf", t.DonorID, envID), data, "application/pdf")
	if err != nil {
		return SyncResult{}, fmt.Errorf("store signed artifact: %w", err)
	}

	res, err := a.Engine.Complete(ctx, engine.CompleteOptions{
		TaskID: t.ID,
		Actor:  domain.Actor{ID: SystemActorID, Role: domain.RoleAdmin},
		Completion: map[string]any{
			"source":      "signing_sync",
			"envelope_id": envID,
		},
		Metadata: &domain.Metadata{Signing: &domain.SigningMeta{
			EnvelopeID:        envID,
			SignedArtifactURL: url,
			SignedAt:          env.CompletedAt,
		}},
	})
	if err != nil {
		return SyncResult{}, err
	}
	a.logger().Info("signing task completed from envelope", "task", t.ID, "envelope", envID, "unblocked", len(res.Unblocked))
	return SyncResult{Task: res.Task, Completed: true, Status: EnvelopeCompleted}, nil
}
