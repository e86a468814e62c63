package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"synthseed/internal/domain"
)

// EngagementSeeded reports whether any engagement row exists for the
// (content, user) pair under the cohort label.
func (r Repo) EngagementSeeded(ctx context.Context, contentID, userID, cohort string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM content_engagements
WHERE content_type=? AND content_id=? AND individual_id=? AND json_extract(metadata,'$.cohort_label')=?
LIMIT 1`, domain.ContentTypeMindblock, contentID, userID, cohort).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("engagement lookup: %w", err)
	}
	return true, nil
}

// InsertEngagements writes rows in one transaction: either the whole batch
// is persisted or none of it is.
func (r Repo) InsertEngagements(ctx context.Context, rows []domain.EngagementEvent) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO content_engagements(individual_id,organization_id,content_type,content_id,action,duration_seconds,metadata,created_at)
VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		meta, err := json.Marshal(row.Metadata)
		if err != nil {
			return fmt.Errorf("marshal engagement metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.UserID,
			nullableStringPtr(row.OrganizationID),
			domain.ContentTypeMindblock,
			row.ContentID,
			row.Action.String(),
			nullableIntPtr(row.DurationSeconds),
			string(meta),
			row.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("insert engagement: %w", err)
		}
	}
	return tx.Commit()
}

// Coverage aggregates persisted rows per mindblock for a cohort.
func (r Repo) Coverage(ctx context.Context, cohort string) (domain.Coverage, error) {
	var c domain.Coverage
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MIN(n),0), COALESCE(MAX(n),0) FROM (
  SELECT content_id, COUNT(*) AS n FROM content_engagements
  WHERE content_type=? AND json_extract(metadata,'$.cohort_label')=?
  GROUP BY content_id
)`, domain.ContentTypeMindblock, cohort).Scan(&c.Covered, &c.Min, &c.Max)
	if err != nil {
		return c, fmt.Errorf("coverage query: %w", err)
	}
	return c, nil
}

// CountEngagements counts rows for a cohort, optionally for one action.
func (r Repo) CountEngagements(ctx context.Context, cohort, action string) (int, error) {
	query := `SELECT COUNT(*) FROM content_engagements WHERE content_type=? AND json_extract(metadata,'$.cohort_label')=?`
	args := []any{domain.ContentTypeMindblock, cohort}
	if action != "" {
		query += ` AND action=?`
		args = append(args, action)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// ListEngagements returns rows for a cohort, newest id first.
func (r Repo) ListEngagements(ctx context.Context, cohort, contentID string, limit int) ([]domain.EngagementEvent, error) {
	query := `SELECT individual_id,organization_id,content_id,action,duration_seconds,metadata,created_at
FROM content_engagements WHERE content_type=? AND json_extract(metadata,'$.cohort_label')=?`
	args := []any{domain.ContentTypeMindblock, cohort}
	if contentID != "" {
		query += ` AND content_id=?`
		args = append(args, contentID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EngagementEvent
	for rows.Next() {
		var (
			e        domain.EngagementEvent
			org      sql.NullString
			action   string
			duration sql.NullInt64
			meta     string
			created  string
		)
		if err := rows.Scan(&e.UserID, &org, &e.ContentID, &action, &duration, &meta, &created); err != nil {
			return nil, err
		}
		if org.Valid {
			e.OrganizationID = &org.String
		}
		if a, ok := domain.ParseAction(action); ok {
			e.Action = a
		} else {
			return nil, fmt.Errorf("unknown action %q", action)
		}
		if duration.Valid {
			d := int(duration.Int64)
			e.DurationSeconds = &d
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode engagement metadata: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
