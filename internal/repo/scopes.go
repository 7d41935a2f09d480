package repo

import (
	"context"
	"database/sql"

	"giftflow/internal/domain"
)

func (r Repo) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO campaigns(id,org_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.OrgID, c.Name, c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var c domain.Campaign
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,created_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &c.OrgID, &c.Name, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,status,created_at FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertParticipant(ctx context.Context, p domain.Participant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO participants(id,campaign_id,donor_id,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.CampaignID, p.DonorID, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	var p domain.Participant
	err := r.DB.QueryRowContext(ctx, `SELECT id,campaign_id,donor_id,status,created_at FROM participants WHERE id=?`, id).
		Scan(&p.ID, &p.CampaignID, &p.DonorID, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpdateParticipantStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDonation(ctx context.Context, d domain.Donation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO donations(id,campaign_id,donor_id,status,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.CampaignID, d.DonorID, d.Status, d.CreatedAt)
	return err
}

func (r Repo) GetDonation(ctx context.Context, id string) (domain.Donation, error) {
	var d domain.Donation
	err := r.DB.QueryRowContext(ctx, `SELECT id,campaign_id,donor_id,status,created_at FROM donations WHERE id=?`, id).
		Scan(&d.ID, &d.CampaignID, &d.DonorID, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) UpdateDonationStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE donations SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
