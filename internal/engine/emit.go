package engine

import (
	"time"

	"synthseed/internal/domain"
	"synthseed/internal/sample"
)

const (
	// CompleteChance and RateChance are the per-pair probabilities of the
	// optional completed and rated rows.
	CompleteChance = 0.65
	RateChance     = 0.5
)

// PairDraft holds every sampled value of one (content, user) pair. Drafts
// are sampled before the idempotency check so the draw stream never
// depends on what is already stored.
type PairDraft struct {
	Viewed      time.Time
	Started     time.Time
	Complete    bool
	Rate        bool
	Duration    int
	Rating      int
	Reflection  *string
	CompletedAt time.Time
	RatedAt     time.Time
}

// DraftPair consumes draws in this order: view time, start time, complete
// decision, rate decision, duration, rating (if rated), reflection (if
// completed), completion time (if completed), rating time (if rated).
func DraftPair(src sample.Source, w sample.Window) PairDraft {
	d := PairDraft{
		Viewed:  sample.Timestamp(src, w),
		Started: sample.Timestamp(src, w),
	}
	d.Complete = src.Float64() < CompleteChance
	d.Rate = src.Float64() < RateChance
	d.Duration = sample.Duration(src)
	if d.Rate {
		d.Rating = sample.Rating(src)
	}
	if d.Complete {
		if text, ok := sample.Reflection(src); ok {
			d.Reflection = &text
		}
		d.CompletedAt = sample.Timestamp(src, w)
	}
	if d.Rate {
		d.RatedAt = sample.Timestamp(src, w)
	}
	return d
}

// Rows expands a draft into two to four engagement rows, in action order.
func (d PairDraft) Rows(cohort, contentID string, user domain.SyntheticUser) []domain.EngagementEvent {
	meta := domain.EventMetadata{
		CohortLabel: cohort,
		SeedKey:     domain.SeedKey(cohort, contentID, user.ID),
	}
	row := func(a domain.Action, at time.Time) domain.EngagementEvent {
		return domain.EngagementEvent{
			UserID:         user.ID,
			OrganizationID: user.OrganizationID,
			ContentID:      contentID,
			Action:         a,
			Metadata:       meta,
			CreatedAt:      at,
		}
	}
	rows := make([]domain.EngagementEvent, 0, 4)
	rows = append(rows, row(domain.ActionViewed, d.Viewed), row(domain.ActionStarted, d.Started))
	if d.Complete {
		r := row(domain.ActionCompleted, d.CompletedAt)
		duration := d.Duration
		r.DurationSeconds = &duration
		r.Metadata.Reflection = d.Reflection
		rows = append(rows, r)
	}
	if d.Rate {
		r := row(domain.ActionRated, d.RatedAt)
		rating := d.Rating
		r.Metadata.Rating = &rating
		rows = append(rows, r)
	}
	return rows
}
