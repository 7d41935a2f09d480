package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"giftflow/internal/config"
	"giftflow/internal/db"
	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/migrate"
	"giftflow/internal/repo"
)

func newRepoEnv(t *testing.T) (repo.Repo, engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return eng.Repo, eng, context.Background()
}

func TestAPIKeyHashLookup(t *testing.T) {
	r, _, ctx := newRepoEnv(t)
	secret := "s3cret-key-material"
	key := domain.APIKey{
		ID: "key-1", ActorID: "bot-1", Role: domain.RoleNonprofitAdmin,
		Name: "ci", KeyHash: repo.HashAPIKey(secret), CreatedAt: "2026-01-01T00:00:00Z",
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "bot-1" || got.Role != domain.RoleNonprofitAdmin {
		t.Fatalf("unexpected key %+v", got)
	}
	// a different secret never matches
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCampaignStatsRecompute(t *testing.T) {
	r, eng, ctx := newRepoEnv(t)
	if err := r.InsertCampaign(ctx, domain.Campaign{ID: "camp-1", OrgID: "org", Name: "Drive", Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	donor := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	if err := r.InsertParticipant(ctx, domain.Participant{ID: "part-1", CampaignID: "camp-1", DonorID: donor.ID, Status: "invited", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	tasks, err := eng.SeedParticipantWorkflow(ctx, "part-1", donor)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if _, err := eng.Complete(ctx, engine.CompleteOptions{TaskID: task.ID, Actor: donor}); err != nil {
			t.Fatalf("complete %s: %v", task.ID, err)
		}
	}

	stats, err := r.RecomputeCampaignStats(ctx, "camp-1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if stats.TasksCompleted != len(tasks) {
		t.Fatalf("expected %d completed tasks, got %d", len(tasks), stats.TasksCompleted)
	}
	// recompute converges: a second run yields the same counters
	again, err := r.RecomputeCampaignStats(ctx, "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.TasksCompleted != stats.TasksCompleted || again.DonationsCompleted != stats.DonationsCompleted {
		t.Fatalf("recompute diverged: %+v vs %+v", again, stats)
	}
	stored, err := r.GetCampaignStats(ctx, "camp-1")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stored.TasksCompleted != stats.TasksCompleted {
		t.Fatalf("stored stats mismatch: %+v", stored)
	}
}

func TestStatsSumValuationAmounts(t *testing.T) {
	r, eng, ctx := newRepoEnv(t)
	if err := r.InsertCampaign(ctx, domain.Campaign{ID: "camp-1", OrgID: "org", Name: "Drive", Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	donor := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	if err := r.InsertDonation(ctx, domain.Donation{ID: "don-a", CampaignID: "camp-1", DonorID: donor.ID, Status: "pending", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SeedDonationWorkflow(ctx, "don-a", donor); err != nil {
		t.Fatal(err)
	}
	for _, step := range []struct {
		id         string
		actor      domain.Actor
		completion map[string]any
	}{
		{"don-a_commitment", donor, nil},
		{"don-a_invite-appraiser", donor, map[string]any{"method": "ai"}},
		{"don-a_appraisal-request", donor, nil},
	} {
		if _, err := eng.Complete(ctx, engine.CompleteOptions{TaskID: step.id, Actor: step.actor, Completion: step.completion}); err != nil {
			t.Fatalf("complete %s: %v", step.id, err)
		}
	}
	amount := 250000.0
	meta := domain.Metadata{Appraisal: &domain.AppraisalMeta{ValuationID: "val-1", ValuationAmount: &amount}}
	if _, err := eng.Complete(ctx, engine.CompleteOptions{
		TaskID:   "don-a_appraisal-submission",
		Actor:    domain.Actor{ID: "system", Role: domain.RoleAdmin},
		Metadata: &meta,
	}); err != nil {
		t.Fatalf("complete submission: %v", err)
	}

	stats, err := r.RecomputeCampaignStats(ctx, "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalValuation != amount {
		t.Fatalf("expected %.0f total valuation, got %.0f", amount, stats.TotalValuation)
	}
}

func TestEventsCursorPaging(t *testing.T) {
	r, eng, ctx := newRepoEnv(t)
	if err := r.InsertCampaign(ctx, domain.Campaign{ID: "camp-1", OrgID: "org", Name: "Drive", Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	donor := domain.Actor{ID: "don-1", Role: domain.RoleDonor}
	if err := r.InsertDonation(ctx, domain.Donation{ID: "don-a", CampaignID: "camp-1", DonorID: donor.ID, Status: "pending", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SeedDonationWorkflow(ctx, "don-a", donor); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Complete(ctx, engine.CompleteOptions{TaskID: "don-a_commitment", Actor: donor}); err != nil {
		t.Fatal(err)
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest == 0 {
		t.Fatalf("expected events to exist")
	}
	all, err := r.EventsAfter(ctx, 100, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected seed and completion events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("events not ascending at %d", i)
		}
	}
	// cursor excludes everything at or before it
	tail, err := r.EventsAfter(ctx, 100, all[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != len(all)-1 {
		t.Fatalf("cursor paging mismatch: %d vs %d", len(tail), len(all)-1)
	}
	// filtered listing, newest first
	events, err := r.LatestEvents(ctx, 10, "don-a", "task.completed")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "task.completed" {
		t.Fatalf("unexpected filtered events: %+v", events)
	}
}
