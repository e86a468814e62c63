package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"synthseed/internal/repo"
)

// ErrRunInProgress reports that another run holds the cohort.
var ErrRunInProgress = errors.New("seed run already in progress")

// DefaultLeaseTTL is how long a cohort stays claimed without renewal. A run
// renews it between catalog windows; a crashed run's claim lapses after it.
const DefaultLeaseTTL = 10 * time.Minute

// cohortLease is the claim one run holds on its cohort label.
type cohortLease struct {
	repo    repo.Repo
	cohort  string
	runID   string
	ttl     time.Duration
	now     func() time.Time
	renewed time.Time
	log     zerolog.Logger
}

func (e Engine) claimLease(ctx context.Context, cohort, runID string, log zerolog.Logger) (*cohortLease, error) {
	l := &cohortLease{
		repo:   e.Repo,
		cohort: cohort,
		runID:  runID,
		ttl:    e.LeaseTTL,
		now:    e.clock,
		log:    log,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultLeaseTTL
	}
	l.renewed = l.now()
	err := retryTransient(ctx, func() error {
		_, err := e.Repo.ClaimSeedLease(ctx, cohort, runID, l.renewed, l.ttl)
		return err
	})
	if errors.Is(err, repo.ErrLeaseHeld) {
		return nil, fmt.Errorf("cohort %s: %w", cohort, ErrRunInProgress)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// renew extends the claim once a third of its lifetime has passed. Losing
// the claim to another run aborts this one.
func (l *cohortLease) renew(ctx context.Context) error {
	if l == nil {
		return nil
	}
	now := l.now()
	if now.Sub(l.renewed) < l.ttl/3 {
		return nil
	}
	err := retryTransient(ctx, func() error {
		return l.repo.RenewSeedLease(ctx, l.cohort, l.runID, now.Add(l.ttl))
	})
	if errors.Is(err, repo.ErrLeaseHeld) {
		return fmt.Errorf("cohort %s: lease lost: %w", l.cohort, ErrRunInProgress)
	}
	if err != nil {
		return err
	}
	l.renewed = now
	return nil
}

func (l *cohortLease) release(ctx context.Context) {
	if l == nil {
		return
	}
	if err := l.repo.ReleaseSeedLease(ctx, l.cohort, l.runID); err != nil {
		l.log.Warn().Err(err).Msg("cohort lease not released; it lapses on expiry")
	}
}
