package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type JourneyRun struct {
	ID         string
	TemplateID string
	UserID     string
	Status     string
	StartedAt  string
	Scenes     []SceneRun
}

type SceneRun struct {
	Number      int
	Status      string
	StartedAt   string
	CompletedAt string
}

// InsertJourneyRun writes a run and its scenes together. It reports false,
// writing nothing, when a run with the same id already exists.
func (r Repo) InsertJourneyRun(ctx context.Context, run JourneyRun) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO journey_runs(id,template_id,user_id,status,started_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		run.ID, run.TemplateID, nullable(run.UserID), run.Status, run.StartedAt)
	if err != nil {
		return false, fmt.Errorf("insert journey run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	for _, s := range run.Scenes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scene_runs(journey_run_id,template_id,scene_number,status,started_at,completed_at) VALUES (?,?,?,?,?,?)`,
			run.ID, run.TemplateID, s.Number, s.Status, s.StartedAt, nullable(s.CompletedAt)); err != nil {
			return false, fmt.Errorf("insert scene run: %w", err)
		}
	}
	return true, tx.Commit()
}

func (r Repo) CountJourneyRuns(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM journey_runs`).Scan(&n)
	return n, err
}

type Notification struct {
	RecipientID string
	Title       string
	Body        string
	SendAfter   string
	Metadata    map[string]any
}

// InsertNotifications queues in-app notifications in a single statement batch.
func (r Repo) InsertNotifications(ctx context.Context, items []Notification) error {
	if len(items) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*6)
	for _, n := range items {
		meta, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		placeholders = append(placeholders, "('user',?,'in_app','system',NULL,?,?,'queued',?,?)")
		args = append(args, n.RecipientID, n.Title, n.Body, n.SendAfter, string(meta))
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications_outbox(audience,recipient_profile_id,channel,category,template_id,rendered_title,rendered_body,status,send_after,metadata) VALUES `+
		strings.Join(placeholders, ","), args...)
	return err
}

func (r Repo) CountNotifications(ctx context.Context, cohort string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications_outbox WHERE json_extract(metadata,'$.cohort_label')=?`, cohort).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
