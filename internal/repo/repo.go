package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"synthseed/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// UpsertMindblocks inserts catalog items, refreshing titles of existing ones.
func (r Repo) UpsertMindblocks(ctx context.Context, items []domain.Mindblock) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO mindblock_library(id,title,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET title=COALESCE(excluded.title, mindblock_library.title)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	now := nowString()
	n := 0
	for _, m := range items {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return 0, fmt.Errorf("mindblock id required")
		}
		if _, err := stmt.ExecContext(ctx, id, nullable(m.Title), now); err != nil {
			return 0, fmt.Errorf("upsert mindblock %s: %w", id, err)
		}
		n++
	}
	return n, tx.Commit()
}

// ListMindblocks returns the catalog in its stable seeding order.
func (r Repo) ListMindblocks(ctx context.Context) ([]domain.Mindblock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(title,''),created_at FROM mindblock_library ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mindblock
	for rows.Next() {
		var m domain.Mindblock
		if err := rows.Scan(&m.ID, &m.Title, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMindblock(ctx context.Context, id string) (domain.Mindblock, error) {
	var m domain.Mindblock
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(title,''),created_at FROM mindblock_library WHERE id=?`, id).
		Scan(&m.ID, &m.Title, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}
