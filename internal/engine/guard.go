package engine

import (
	"context"

	"synthseed/internal/repo"
)

// Guard answers whether a (content, user) pair was already seeded for a
// cohort. A pair with any persisted row counts as seeded.
type Guard interface {
	Seeded(ctx context.Context, contentID, userID, cohort string) (bool, error)
}

// RepoGuard checks the engagement table directly.
type RepoGuard struct {
	Repo repo.Repo
}

func (g RepoGuard) Seeded(ctx context.Context, contentID, userID, cohort string) (bool, error) {
	var seeded bool
	err := retryTransient(ctx, func() error {
		var err error
		seeded, err = g.Repo.EngagementSeeded(ctx, contentID, userID, cohort)
		return err
	})
	return seeded, err
}
