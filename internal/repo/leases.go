package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"synthseed/internal/domain"
)

// ErrLeaseHeld is returned when another run holds an unexpired lease.
var ErrLeaseHeld = errors.New("lease already held")

// leaseTimeFormat is fixed width so expiry comparisons can be done on text.
const leaseTimeFormat = "2006-01-02T15:04:05.000Z"

func leaseTime(t time.Time) string {
	return t.UTC().Format(leaseTimeFormat)
}

// ClaimSeedLease takes the cohort lease for runID until now+ttl. An expired
// lease is taken over; a live one held by another run yields ErrLeaseHeld.
// The claim is a single statement, so two claimers cannot both win.
func (r Repo) ClaimSeedLease(ctx context.Context, cohort, runID string, now time.Time, ttl time.Duration) (domain.SeedLease, error) {
	lease := domain.SeedLease{
		CohortLabel: cohort,
		RunID:       runID,
		AcquiredAt:  leaseTime(now),
		ExpiresAt:   leaseTime(now.Add(ttl)),
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO seed_leases(cohort_label,run_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(cohort_label) DO UPDATE SET run_id=excluded.run_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE seed_leases.expires_at <= ? OR seed_leases.run_id = excluded.run_id`,
		lease.CohortLabel, lease.RunID, lease.AcquiredAt, lease.ExpiresAt, lease.AcquiredAt)
	if err != nil {
		return domain.SeedLease{}, fmt.Errorf("claim seed lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.SeedLease{}, fmt.Errorf("cohort %s: %w", cohort, ErrLeaseHeld)
	}
	return lease, nil
}

// RenewSeedLease pushes the expiry of a lease still owned by runID.
func (r Repo) RenewSeedLease(ctx context.Context, cohort, runID string, expires time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE seed_leases SET expires_at=? WHERE cohort_label=? AND run_id=?`,
		leaseTime(expires), cohort, runID)
	if err != nil {
		return fmt.Errorf("renew seed lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cohort %s: %w", cohort, ErrLeaseHeld)
	}
	return nil
}

// ReleaseSeedLease drops the lease if runID still owns it.
func (r Repo) ReleaseSeedLease(ctx context.Context, cohort, runID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM seed_leases WHERE cohort_label=? AND run_id=?`, cohort, runID)
	return err
}

func (r Repo) GetSeedLease(ctx context.Context, cohort string) (domain.SeedLease, error) {
	var l domain.SeedLease
	err := r.DB.QueryRowContext(ctx, `SELECT cohort_label,run_id,acquired_at,expires_at FROM seed_leases WHERE cohort_label=?`, cohort).
		Scan(&l.CohortLabel, &l.RunID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}
