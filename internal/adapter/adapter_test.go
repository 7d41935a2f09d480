package adapter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"giftflow/internal/adapter"
	"giftflow/internal/config"
	"giftflow/internal/db"
	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/migrate"
	"giftflow/internal/repo"
)

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var (
	donor = domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	npo   = domain.Actor{ID: "npo-1", Role: domain.RoleNonprofitAdmin}
)

type adapterEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
}

func newAdapterEnv(t *testing.T) adapterEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	ctx := context.Background()
	if err := eng.Repo.InsertCampaign(ctx, domain.Campaign{
		ID: "camp-1", OrgID: "default-org", Name: "Drive", Status: "active", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertDonation(ctx, domain.Donation{
		ID: "don-a", CampaignID: "camp-1", DonorID: donor.ID, Status: "pending", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SeedDonationWorkflow(ctx, "don-a", donor); err != nil {
		t.Fatal(err)
	}
	return adapterEnv{Engine: eng, Ctx: ctx, Dir: dir}
}

func (env adapterEnv) complete(t *testing.T, taskID string, actor domain.Actor, completion map[string]any) {
	t.Helper()
	if _, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: taskID, Actor: actor, Completion: completion}); err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
}

// advanceToSigning completes the chain up to the signing task and binds an
// envelope to it.
func (env adapterEnv) advanceToSigning(t *testing.T, envelopeID string) {
	t.Helper()
	env.complete(t, "don-a_commitment", donor, nil)
	env.complete(t, "don-a_invite-appraiser", donor, map[string]any{"method": "manual"})
	env.complete(t, "don-a_upload-documents", donor, nil)
	env.complete(t, "don-a_review-documents", npo, nil)
	_, err := env.Engine.MergeMetadata(env.Ctx, "don-a_sign-agreement", domain.Metadata{
		Signing: &domain.SigningMeta{EnvelopeID: envelopeID, SignerEmail: "donor@example.com"},
	}, adapter.SystemActorID)
	if err != nil {
		t.Fatal(err)
	}
}

// advanceToAppraisal opts into the AI path so the appraisal sub-chain exists.
func (env adapterEnv) advanceToAppraisal(t *testing.T) {
	t.Helper()
	env.complete(t, "don-a_commitment", donor, nil)
	env.complete(t, "don-a_invite-appraiser", donor, map[string]any{"method": "ai"})
}

type fakeSigning struct {
	status    adapter.EnvelopeStatus
	artifact  []byte
	statusErr error
}

func (f fakeSigning) EnvelopeStatus(context.Context, string) (adapter.EnvelopeStatus, error) {
	return f.status, f.statusErr
}

func (f fakeSigning) DownloadSignedArtifact(context.Context, string) ([]byte, error) {
	return f.artifact, nil
}

type fakeValuation struct {
	nextValuation string
}

func (f fakeValuation) CreateUser(context.Context, string) (string, error) { return "user-1", nil }

func (f fakeValuation) CreateValuation(context.Context, string, map[string]any) (string, error) {
	return f.nextValuation, nil
}

func (f fakeValuation) UpdateValuation(context.Context, string, map[string]any) error { return nil }

func (f fakeValuation) GetValuation(context.Context, string) (adapter.Valuation, error) {
	return adapter.Valuation{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSigningSyncCompletesTask(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToSigning(t, "env-1")
	a := adapter.SigningAdapter{
		Engine:   env.Engine,
		Repo:     env.Engine.Repo,
		Provider: fakeSigning{status: adapter.EnvelopeStatus{Status: "completed", CompletedAt: "2026-01-01T11:00:00Z"}, artifact: []byte("%PDF-1.4")},
		Blobs:    adapter.LocalBlobStore{Root: filepath.Join(env.Dir, "blobs")},
		Log:      discardLogger(),
	}
	res, err := a.SyncTask(env.Ctx, "don-a_sign-agreement")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Completed || res.Task.Status != domain.StatusCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.Task.CompletedBy == nil || *res.Task.CompletedBy != adapter.SystemActorID {
		t.Fatalf("system actor should own the completion")
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_sign-agreement")
	if got.Metadata.Signing == nil || got.Metadata.Signing.SignedArtifactURL == "" {
		t.Fatalf("signed artifact url missing: %+v", got.Metadata.Signing)
	}
	if !strings.HasPrefix(got.Metadata.Signing.SignedArtifactURL, "file://") {
		t.Fatalf("unexpected artifact url %s", got.Metadata.Signing.SignedArtifactURL)
	}
	data, err := os.ReadFile(filepath.Join(env.Dir, "blobs", "signed", donor.ID, "env-1.pdf"))
	if err != nil || string(data) != "%PDF-1.4" {
		t.Fatalf("artifact not stored: %v", err)
	}
	// downstream task unblocked
	next, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_equity-transfer")
	if next.Status != domain.StatusPending {
		t.Fatalf("equity transfer should be pending, got %s", next.Status)
	}
	// second sync is a no-op on the completed task
	res, err = a.SyncTask(env.Ctx, "don-a_sign-agreement")
	if err != nil || res.Completed {
		t.Fatalf("repeat sync should be a no-op: %v %+v", err, res)
	}
}

func TestSigningSyncUnfinishedEnvelope(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToSigning(t, "env-2")
	a := adapter.SigningAdapter{
		Engine:   env.Engine,
		Repo:     env.Engine.Repo,
		Provider: fakeSigning{status: adapter.EnvelopeStatus{Status: "sent"}},
		Blobs:    adapter.LocalBlobStore{Root: filepath.Join(env.Dir, "blobs")},
		Log:      discardLogger(),
	}
	res, err := a.SyncEnvelope(env.Ctx, "env-2")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Completed || res.Status != "sent" {
		t.Fatalf("unfinished envelope must not complete: %+v", res)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_sign-agreement")
	if got.Status == domain.StatusCompleted {
		t.Fatalf("task completed on unfinished envelope")
	}
}

func TestSigningSyncUpstreamFailure(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToSigning(t, "env-3")
	a := adapter.SigningAdapter{
		Engine:   env.Engine,
		Repo:     env.Engine.Repo,
		Provider: fakeSigning{statusErr: errors.New("gateway timeout")},
		Blobs:    adapter.LocalBlobStore{Root: filepath.Join(env.Dir, "blobs")},
		Log:      discardLogger(),
	}
	_, err := a.SyncTask(env.Ctx, "don-a_sign-agreement")
	var ue adapter.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_sign-agreement")
	if got.Status == domain.StatusCompleted {
		t.Fatalf("task state changed on upstream failure")
	}
}

func TestSigningSyncUnknownEnvelope(t *testing.T) {
	env := newAdapterEnv(t)
	a := adapter.SigningAdapter{Engine: env.Engine, Repo: env.Engine.Repo, Log: discardLogger()}
	_, err := a.SyncEnvelope(env.Ctx, "env-unknown")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValuationRequestOpensAndBinds(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToAppraisal(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Provider:  fakeValuation{nextValuation: "val-1"},
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	task, err := a.RequestValuation(env.Ctx, "don-a_appraisal-request", donor, map[string]any{"company": "Acme"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("request task should complete, got %s", task.Status)
	}
	sub, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-submission")
	if sub.Metadata.ValuationID() != "val-1" {
		t.Fatalf("valuation id not bound to submission task: %+v", sub.Metadata.Appraisal)
	}
	if sub.Status != domain.StatusPending {
		t.Fatalf("submission should be unblocked, got %s", sub.Status)
	}
}

func TestValuationWebhookCompletesSubmission(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToAppraisal(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Provider:  fakeValuation{nextValuation: "val-2"},
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	if _, err := a.RequestValuation(env.Ctx, "don-a_appraisal-request", donor, nil); err != nil {
		t.Fatal(err)
	}
	amount := 125000.0
	hook := adapter.ValuationWebhook{
		ValuationID:     "val-2",
		Status:          adapter.ValuationCompleted,
		ValuationAmount: &amount,
		ReportURL:       "https://valuation.example/reports/val-2",
		CompletedAt:     "2026-01-01T11:55:00Z",
		Timestamp:       fixedNow.Unix(),
	}
	res, err := a.HandleWebhook(env.Ctx, hook)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !res.Matched || !res.Completed || res.TaskID != "don-a_appraisal-submission" {
		t.Fatalf("unexpected result %+v", res)
	}
	sub, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-submission")
	if sub.Status != domain.StatusCompleted {
		t.Fatalf("submission not completed: %s", sub.Status)
	}
	if sub.Metadata.Appraisal == nil || sub.Metadata.Appraisal.ValuationAmount == nil || *sub.Metadata.Appraisal.ValuationAmount != amount {
		t.Fatalf("valuation amount not recorded: %+v", sub.Metadata.Appraisal)
	}
	review, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-review")
	if review.Status != domain.StatusPending {
		t.Fatalf("review should be unblocked, got %s", review.Status)
	}
	// at-least-once delivery: the duplicate is a no-op
	res, err = a.HandleWebhook(env.Ctx, hook)
	if err != nil || !res.Matched {
		t.Fatalf("duplicate delivery should succeed: %v %+v", err, res)
	}
}

func TestValuationWebhookAppliesToAllMatches(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToAppraisal(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Provider:  fakeValuation{},
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	env.complete(t, "don-a_appraisal-request", donor, nil)
	// bind the same valuation to the submission and the downstream review
	for _, id := range []string{"don-a_appraisal-submission", "don-a_appraisal-review"} {
		_, err := env.Engine.MergeMetadata(env.Ctx, id, domain.Metadata{
			Appraisal: &domain.AppraisalMeta{ValuationID: "val-9"},
		}, adapter.SystemActorID)
		if err != nil {
			t.Fatal(err)
		}
	}
	amount := 80000.0
	res, err := a.HandleWebhook(env.Ctx, adapter.ValuationWebhook{
		ValuationID:     "val-9",
		Status:          adapter.ValuationCompleted,
		ValuationAmount: &amount,
		Timestamp:       fixedNow.Unix(),
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !res.Matched || !res.Completed || res.TaskID != "don-a_appraisal-submission" {
		t.Fatalf("unexpected result %+v", res)
	}
	sub, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-submission")
	if sub.Status != domain.StatusCompleted {
		t.Fatalf("submission not completed: %s", sub.Status)
	}
	// the review is not a submission so the delivery only records the status
	review, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-review")
	if review.Status != domain.StatusPending {
		t.Fatalf("review should be unblocked, got %s", review.Status)
	}
	if review.Metadata.Appraisal == nil || review.Metadata.Appraisal.ValuationStatus != adapter.ValuationCompleted {
		t.Fatalf("review should carry the valuation status: %+v", review.Metadata.Appraisal)
	}
}

func TestValuationWebhookNonTerminalMergesOnly(t *testing.T) {
	env := newAdapterEnv(t)
	env.advanceToAppraisal(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Provider:  fakeValuation{nextValuation: "val-3"},
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	if _, err := a.RequestValuation(env.Ctx, "don-a_appraisal-request", donor, nil); err != nil {
		t.Fatal(err)
	}
	res, err := a.HandleWebhook(env.Ctx, adapter.ValuationWebhook{
		ValuationID: "val-3",
		Status:      "processing",
		Timestamp:   fixedNow.Unix(),
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !res.Matched || res.Completed {
		t.Fatalf("non-terminal status must not complete: %+v", res)
	}
	sub, _ := env.Engine.Repo.GetTask(env.Ctx, "don-a_appraisal-submission")
	if sub.Status == domain.StatusCompleted {
		t.Fatalf("submission completed on processing status")
	}
	if sub.Metadata.Appraisal == nil || sub.Metadata.Appraisal.ValuationStatus != "processing" {
		t.Fatalf("status not merged: %+v", sub.Metadata.Appraisal)
	}
}

func TestValuationWebhookStale(t *testing.T) {
	env := newAdapterEnv(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	_, err := a.HandleWebhook(env.Ctx, adapter.ValuationWebhook{
		ValuationID: "val-x",
		Status:      adapter.ValuationCompleted,
		Timestamp:   fixedNow.Add(-10 * time.Minute).Unix(),
	})
	var se adapter.StaleError
	if !errors.As(err, &se) {
		t.Fatalf("expected StaleError, got %v", err)
	}
	// a future-dated timestamp outside the window is equally stale
	_, err = a.HandleWebhook(env.Ctx, adapter.ValuationWebhook{
		ValuationID: "val-x",
		Status:      adapter.ValuationCompleted,
		Timestamp:   fixedNow.Add(10 * time.Minute).Unix(),
	})
	if !errors.As(err, &se) {
		t.Fatalf("expected StaleError for future timestamp, got %v", err)
	}
}

func TestValuationWebhookUnmatched(t *testing.T) {
	env := newAdapterEnv(t)
	a := adapter.ValuationAdapter{
		Engine:    env.Engine,
		Repo:      env.Engine.Repo,
		Freshness: 5 * time.Minute,
		Log:       discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	res, err := a.HandleWebhook(env.Ctx, adapter.ValuationWebhook{
		ValuationID: "val-missing",
		Status:      adapter.ValuationCompleted,
		Timestamp:   fixedNow.Unix(),
	})
	if err != nil {
		t.Fatalf("unmatched delivery must be swallowed: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected unmatched result")
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='webhook.ignored'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one webhook.ignored event, got %d", count)
	}
}
