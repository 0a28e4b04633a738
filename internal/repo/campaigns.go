package repo

import (
	"context"
	"database/sql"
	"fmt"

	"moveline/internal/domain"
)

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,name,objective,status,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Objective), c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var c domain.Campaign
	var objective sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,objective,status,created_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &objective, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if objective.Valid {
		c.Objective = objective.String
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,objective,status,created_at FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var objective sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &objective, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		if objective.Valid {
			c.Objective = objective.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCampaignStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCampaign removes a campaign that no move references. A referenced
// campaign surfaces ErrConflict.
func (r Repo) DeleteCampaign(ctx context.Context, tx *sql.Tx, id string) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM moves WHERE campaign_id=?`, id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("campaign %s has %d moves: %w", id, count, ErrConflict)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
