package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"synthseed/internal/metrics"
	"synthseed/internal/repo"
)

const (
	JourneyUsers      = 200
	NotificationUsers = 100

	journeyTemplate   = "onboarding"
	notificationTitle = "Welcome to synthetic seed"
	notificationBody  = "This is a test notification for synthetic cohort."
)

// journeyRunID is stable per cohort and user, so reruns do not duplicate.
func journeyRunID(cohort, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("journey:"+cohort+":"+userID)).String()
}

// seedJourneys gives the head of the pool a running onboarding journey with
// two completed scenes. Failures are logged and skipped.
func (e Engine) seedJourneys(ctx context.Context, r *run) {
	at := r.anchor.UTC().Format(time.RFC3339)
	created, failed := 0, 0
	for _, u := range r.users[:min(JourneyUsers, len(r.users))] {
		ok, err := e.Repo.InsertJourneyRun(ctx, repo.JourneyRun{
			ID:         journeyRunID(r.req.CohortLabel, u.ID),
			TemplateID: journeyTemplate,
			UserID:     u.ID,
			Status:     "running",
			StartedAt:  at,
			Scenes: []repo.SceneRun{
				{Number: 1, Status: "completed", StartedAt: at, CompletedAt: at},
				{Number: 2, Status: "completed", StartedAt: at, CompletedAt: at},
			},
		})
		if err != nil {
			failed++
			metrics.AuxiliaryWriteErrors.WithLabelValues("journey_runs").Inc()
			r.log.Warn().Err(err).Str("user", u.ID).Msg("journey run not seeded")
			continue
		}
		if ok {
			created++
		}
	}
	r.log.Info().Int("created", created).Int("failed", failed).Msg("journeys seeded")
}

// seedNotifications queues one in-app notification per head-of-pool user,
// once per cohort.
func (e Engine) seedNotifications(ctx context.Context, r *run) {
	cohort := r.req.CohortLabel
	existing, err := e.Repo.CountNotifications(ctx, cohort)
	if err != nil {
		metrics.AuxiliaryWriteErrors.WithLabelValues("notifications_outbox").Inc()
		r.log.Warn().Err(err).Msg("notification lookup failed")
		return
	}
	if existing > 0 {
		r.log.Debug().Int("existing", existing).Msg("notifications already queued")
		return
	}
	at := r.anchor.UTC().Format(time.RFC3339)
	head := r.users[:min(NotificationUsers, len(r.users))]
	items := make([]repo.Notification, 0, len(head))
	for _, u := range head {
		items = append(items, repo.Notification{
			RecipientID: u.ID,
			Title:       notificationTitle,
			Body:        notificationBody,
			SendAfter:   at,
			Metadata:    map[string]any{"cohort_label": cohort},
		})
	}
	if err := e.Repo.InsertNotifications(ctx, items); err != nil {
		metrics.AuxiliaryWriteErrors.WithLabelValues("notifications_outbox").Inc()
		r.log.Warn().Err(err).Msg("notifications not queued")
		return
	}
	r.log.Info().Int("queued", len(items)).Msg("notifications queued")
}
