package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"moveline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write against a stale move version.
	ErrConflict = errors.New("version conflict")
)

const moveColumns = `id,campaign_id,name,promise,primary_goal,secondary_goals_json,primary_cohort,secondary_cohorts_json,stage_from,stage_to,timeframe_days,intensity,start_date,end_date,status,progress_percent,observations_json,orientation_notes,act_tasks_json,preflight_status,preflight_at,warn_acknowledged,kill_reason,version,created_at,updated_at,last_transition_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMove(row rowScanner) (domain.Move, error) {
	var m domain.Move
	var campaignID, promise, secondaryGoals, secondaryCohorts, observations, orientation, actTasks, preflightStatus, preflightAt, killReason sql.NullString
	var warnAck int
	err := row.Scan(&m.ID, &campaignID, &m.Name, &promise, &m.PrimaryGoal, &secondaryGoals, &m.PrimaryCohort, &secondaryCohorts,
		&m.StageFrom, &m.StageTo, &m.TimeframeDays, &m.Intensity, &m.StartDate, &m.EndDate, &m.Status, &m.ProgressPercent,
		&observations, &orientation, &actTasks, &preflightStatus, &preflightAt, &warnAck, &killReason,
		&m.Version, &m.CreatedAt, &m.UpdatedAt, &m.LastTransitionAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if campaignID.Valid {
		m.CampaignID = &campaignID.String
	}
	if promise.Valid {
		m.Promise = promise.String
	}
	if orientation.Valid {
		m.OrientationNotes = orientation.String
	}
	if preflightStatus.Valid {
		m.PreflightStatus = preflightStatus.String
	}
	if preflightAt.Valid {
		m.PreflightAt = &preflightAt.String
	}
	if killReason.Valid {
		m.KillReason = &killReason.String
	}
	m.WarnAcknowledged = warnAck != 0
	if err := unmarshalStrings(secondaryGoals, &m.SecondaryGoals); err != nil {
		return m, fmt.Errorf("move %s secondary_goals: %w", m.ID, err)
	}
	if err := unmarshalStrings(secondaryCohorts, &m.SecondaryCohorts); err != nil {
		return m, fmt.Errorf("move %s secondary_cohorts: %w", m.ID, err)
	}
	if err := unmarshalStrings(observations, &m.Observations); err != nil {
		return m, fmt.Errorf("move %s observations: %w", m.ID, err)
	}
	if actTasks.Valid && actTasks.String != "" {
		if err := json.Unmarshal([]byte(actTasks.String), &m.ActTasks); err != nil {
			return m, fmt.Errorf("move %s act_tasks: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r Repo) InsertMove(ctx context.Context, tx *sql.Tx, m domain.Move) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO moves(`+moveColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullableStringPtr(m.CampaignID), m.Name, nullable(m.Promise), m.PrimaryGoal, marshalStrings(m.SecondaryGoals),
		m.PrimaryCohort, marshalStrings(m.SecondaryCohorts), m.StageFrom, m.StageTo, m.TimeframeDays, m.Intensity,
		m.StartDate, m.EndDate, m.Status, m.ProgressPercent, marshalStrings(m.Observations), nullable(m.OrientationNotes),
		marshalTasks(m.ActTasks), nullable(m.PreflightStatus), nullableStringPtr(m.PreflightAt), boolToInt(m.WarnAcknowledged),
		nullableStringPtr(m.KillReason), m.Version, m.CreatedAt, m.UpdatedAt, m.LastTransitionAt)
	return err
}

// UpdateMove writes the full move state guarded by expectedVersion. The stored
// row must still carry expectedVersion or the write is rejected with
// ErrConflict; the move's Version field is persisted as the new version.
func (r Repo) UpdateMove(ctx context.Context, tx *sql.Tx, m domain.Move, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE moves SET campaign_id=?, name=?, promise=?, primary_goal=?, secondary_goals_json=?, primary_cohort=?, secondary_cohorts_json=?, stage_from=?, stage_to=?, timeframe_days=?, intensity=?, start_date=?, end_date=?, status=?, progress_percent=?, observations_json=?, orientation_notes=?, act_tasks_json=?, preflight_status=?, preflight_at=?, warn_acknowledged=?, kill_reason=?, version=?, updated_at=?, last_transition_at=? WHERE id=? AND version=?`,
		nullableStringPtr(m.CampaignID), m.Name, nullable(m.Promise), m.PrimaryGoal, marshalStrings(m.SecondaryGoals),
		m.PrimaryCohort, marshalStrings(m.SecondaryCohorts), m.StageFrom, m.StageTo, m.TimeframeDays, m.Intensity,
		m.StartDate, m.EndDate, m.Status, m.ProgressPercent, marshalStrings(m.Observations), nullable(m.OrientationNotes),
		marshalTasks(m.ActTasks), nullable(m.PreflightStatus), nullableStringPtr(m.PreflightAt), boolToInt(m.WarnAcknowledged),
		nullableStringPtr(m.KillReason), m.Version, m.UpdatedAt, m.LastTransitionAt, m.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM moves WHERE id=?`, m.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) GetMove(ctx context.Context, id string) (domain.Move, error) {
	return scanMove(r.DB.QueryRowContext(ctx, `SELECT `+moveColumns+` FROM moves WHERE id=?`, id))
}

func (r Repo) GetMoveTx(ctx context.Context, tx *sql.Tx, id string) (domain.Move, error) {
	return scanMove(tx.QueryRowContext(ctx, `SELECT `+moveColumns+` FROM moves WHERE id=?`, id))
}

type MoveFilters struct {
	Status          string
	CampaignID      string
	CohortID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMoves(ctx context.Context, f MoveFilters) ([]domain.Move, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CampaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.CohortID != "" {
		clauses = append(clauses, "primary_cohort=?")
		args = append(args, f.CohortID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + moveColumns + ` FROM moves ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Move
	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMovesByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM moves GROUP BY status`
	var args []any
	if campaignID != "" {
		query = `SELECT status, count(*) FROM moves WHERE campaign_id=? GROUP BY status`
		args = append(args, campaignID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func marshalStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(v sql.NullString, dst *[]string) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}

func marshalTasks(v []domain.ActTask) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
