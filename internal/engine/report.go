package engine

import (
	"context"
	"fmt"

	"synthseed/internal/domain"
)

// Report summarises what is persisted for a cohort.
func (e Engine) Report(ctx context.Context, cohort string) (domain.CohortReport, error) {
	out := domain.CohortReport{CohortLabel: cohort, ByAction: map[string]int{}}
	cov, err := e.Repo.Coverage(ctx, cohort)
	if err != nil {
		return out, err
	}
	out.MindblocksCovered = cov.Covered
	out.MinEngagementsPerMindblock = cov.Min
	out.MaxEngagementsPerMindblock = cov.Max
	if out.Profiles, err = e.Repo.CountProfiles(ctx, cohort); err != nil {
		return out, fmt.Errorf("count profiles: %w", err)
	}
	for _, a := range []domain.Action{domain.ActionViewed, domain.ActionStarted, domain.ActionCompleted, domain.ActionRated} {
		n, err := e.Repo.CountEngagements(ctx, cohort, a.String())
		if err != nil {
			return out, fmt.Errorf("count %s: %w", a, err)
		}
		out.ByAction[a.String()] = n
		out.Engagements += n
	}
	return out, nil
}
