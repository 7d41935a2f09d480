package repo

import (
	"context"
	"database/sql"
	"time"

	"giftflow/internal/domain"
)

// RecomputeCampaignStats rebuilds a campaign's aggregate counters from
// completed records. It is a full recompute, not an incremental update, so
// repeated runs converge on the same numbers.
func (r Repo) RecomputeCampaignStats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	stats := domain.CampaignStats{CampaignID: campaignID}

	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM donations WHERE campaign_id=? AND status='completed'`, campaignID).
		Scan(&stats.DonationsCompleted)
	if err != nil {
		return stats, err
	}

	err = r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE campaign_id=? AND status='completed'`, campaignID).
		Scan(&stats.TasksCompleted)
	if err != nil {
		return stats, err
	}

	// Valuation totals come from completed appraisal submissions only; other
	// task types never carry an amount.
	var total sql.NullFloat64
	err = r.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(json_extract(metadata_json, '$.appraisal.valuation_amount')), 0)
FROM tasks
WHERE campaign_id=? AND type='appraisal_submission' AND status='completed'`, campaignID).
		Scan(&total)
	if err != nil {
		return stats, err
	}
	if total.Valid {
		stats.TotalValuation = total.Float64
	}

	stats.SyncedAt = time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO campaign_stats(campaign_id,donations_completed,tasks_completed,total_valuation,synced_at)
VALUES (?,?,?,?,?)
ON CONFLICT(campaign_id) DO UPDATE SET donations_completed=excluded.donations_completed,
tasks_completed=excluded.tasks_completed, total_valuation=excluded.total_valuation, synced_at=excluded.synced_at`,
		stats.CampaignID, stats.DonationsCompleted, stats.TasksCompleted, stats.TotalValuation, stats.SyncedAt)
	return stats, err
}

// GetCampaignStats returns the last synced counters.
func (r Repo) GetCampaignStats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	var s domain.CampaignStats
	err := r.DB.QueryRowContext(ctx, `SELECT campaign_id,donations_completed,tasks_completed,total_valuation,synced_at FROM campaign_stats WHERE campaign_id=?`, campaignID).
		Scan(&s.CampaignID, &s.DonationsCompleted, &s.TasksCompleted, &s.TotalValuation, &s.SyncedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}
