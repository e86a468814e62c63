package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"synthseed/internal/domain"
)

// upsertChunk matches the page size the provisioning collaborator writes in.
const upsertChunk = 1000

// FindOrgByName returns ErrNotFound when no organization carries the name.
func (r Repo) FindOrgByName(ctx context.Context, name string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM organizations WHERE name=? LIMIT 1`, name).Scan(&o.ID, &o.Name)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertOrg(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,organization_type,created_at) VALUES (?,?,?,?)`,
		o.ID, o.Name, "platform", nowString())
	return err
}

// UpsertProfiles writes synthetic profiles in pages, one transaction per page.
func (r Repo) UpsertProfiles(ctx context.Context, users []domain.SyntheticUser, cohort string) error {
	return inChunks(ctx, r.DB, len(users), `INSERT INTO profiles(id,role,organization_id,email,full_name,synthetic,cohort_label,created_at)
VALUES (?,?,?,?,NULL,1,?,?)
ON CONFLICT(id) DO UPDATE SET organization_id=excluded.organization_id, synthetic=1,
  cohort_label=COALESCE(profiles.cohort_label, excluded.cohort_label)`,
		func(i int) []any {
			u := users[i]
			return []any{u.ID, "patient", nullableStringPtr(u.OrganizationID), u.Email, cohort, nowString()}
		})
}

func (r Repo) UpsertOrgMembers(ctx context.Context, users []domain.SyntheticUser) error {
	members := make([]domain.SyntheticUser, 0, len(users))
	for _, u := range users {
		if u.OrganizationID != nil {
			members = append(members, u)
		}
	}
	return inChunks(ctx, r.DB, len(members), `INSERT INTO org_members(organization_id,user_id,role) VALUES (?,?,?)
ON CONFLICT(organization_id,user_id) DO NOTHING`,
		func(i int) []any {
			return []any{*members[i].OrganizationID, members[i].ID, "member"}
		})
}

func (r Repo) UpsertSimUsers(ctx context.Context, users []domain.SyntheticUser, cohort, startedAt string) error {
	return inChunks(ctx, r.DB, len(users), `INSERT INTO sim_users(profile_id,org_id,persona_key,cohort_label,started_at,metadata)
VALUES (?,?,?,?,?,?)
ON CONFLICT(profile_id) DO UPDATE SET org_id=excluded.org_id, persona_key=excluded.persona_key, cohort_label=excluded.cohort_label`,
		func(i int) []any {
			u := users[i]
			meta, _ := json.Marshal(map[string]any{
				"email":           u.Email,
				"created_by":      "synthseed",
				"batch_timestamp": startedAt,
			})
			return []any{u.ID, nullableStringPtr(u.OrganizationID), u.Persona, cohort, startedAt, string(meta)}
		})
}

func (r Repo) CountProfiles(ctx context.Context, cohort string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE synthetic=1 AND cohort_label=?`, cohort).Scan(&n)
	return n, err
}

func inChunks(ctx context.Context, db *sql.DB, n int, query string, args func(i int) []any) error {
	for start := 0; start < n; start += upsertChunk {
		end := start + upsertChunk
		if end > n {
			end = n
		}
		if err := execChunk(ctx, db, query, start, end, args); err != nil {
			return err
		}
	}
	return nil
}

func execChunk(ctx context.Context, db *sql.DB, query string, start, end int, args func(i int) []any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := start; i < end; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return tx.Commit()
}
