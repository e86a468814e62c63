// Package engine runs seeding: it provisions the user pool, walks the
// mindblock catalog, and writes deterministic engagement rows in batches.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"synthseed/internal/config"
	"synthseed/internal/domain"
	"synthseed/internal/events"
	"synthseed/internal/logging"
	"synthseed/internal/metrics"
	"synthseed/internal/plan"
	"synthseed/internal/prng"
	"synthseed/internal/provision"
	"synthseed/internal/repo"
	"synthseed/internal/sample"
)

// UserProvisioner supplies the synthetic user pool of a run.
type UserProvisioner interface {
	Provision(ctx context.Context, req domain.SeedingRequest) ([]domain.SyntheticUser, error)
}

type Engine struct {
	Repo      repo.Repo
	Events    events.Writer
	Users     UserProvisioner
	Guard     Guard
	Sink      Sink
	BatchSize int
	LeaseTTL  time.Duration
	Defaults  *config.Config
	Now       func() time.Time
	Log       zerolog.Logger
}

// New wires an engine whose collaborators all use db.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		Repo:     r,
		Events:   events.Writer{DB: db},
		Users:    provision.New(r),
		Guard:    RepoGuard{Repo: r},
		Sink:     r,
		Defaults: cfg,
		Now:      time.Now,
		Log:      logging.With("engine"),
	}
	if cfg != nil {
		e.BatchSize = cfg.Engine.BatchSize
		e.LeaseTTL = time.Duration(cfg.Engine.LeaseSeconds) * time.Second
	}
	return e
}

// run carries the mutable state of one Seed call.
type run struct {
	req    domain.SeedingRequest
	users  []domain.SyntheticUser
	items  []domain.Mindblock
	window sample.Window
	anchor time.Time
	writer *BatchWriter
	lease  *cohortLease
	log    zerolog.Logger

	considered int
	skipped    int
}

// itemPlan is everything sampled for one catalog item, in draw order.
type itemPlan struct {
	item   domain.Mindblock
	users  []int
	drafts []PairDraft
}

// Seed executes one seeding run and reports coverage for its cohort. Guard,
// flush and provisioning failures abort the run; rows flushed before the
// failure stay committed. Cancellation is observed between catalog items.
// Only one run per cohort may be active; a concurrent one gets
// ErrRunInProgress before anything is written.
func (e Engine) Seed(ctx context.Context, req domain.SeedingRequest) (domain.SeedingReport, error) {
	req = e.Defaults.Resolve(req)
	anchor := e.anchor(req)
	runID := uuid.NewString()
	log := e.Log.With().Str("run", runID).Str("cohort", req.CohortLabel).Logger()
	// Storage calls are not interrupted mid-item.
	store := context.WithoutCancel(ctx)

	lease, err := e.claimLease(store, req.CohortLabel, runID, log)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, ErrRunInProgress) {
			outcome = "busy"
		}
		metrics.SeedRuns.WithLabelValues(outcome).Inc()
		log.Warn().Err(err).Msg("seed run not started")
		return domain.SeedingReport{}, err
	}
	defer lease.release(store)

	e.audit(store, log, events.RunStarted, req.CohortLabel, runID, events.EventPayload{
		"count_users":            req.CountUsers,
		"coverage_per_mindblock": req.CoveragePerMindblock,
		"days":                   req.Days,
		"stream_mode":            req.StreamMode,
		"anchor":                 anchor.Format(time.RFC3339),
	})
	log.Info().Int("count_users", req.CountUsers).Int("coverage", req.CoveragePerMindblock).
		Str("stream_mode", req.StreamMode).Msg("seed run started")

	report, err := e.seed(ctx, store, req, anchor, lease, log)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "canceled"
		}
		metrics.SeedRuns.WithLabelValues(outcome).Inc()
		e.audit(store, log, events.RunFailed, req.CohortLabel, runID, events.EventPayload{
			"error":               err.Error(),
			"engagements_created": report.EngagementsCreated,
		})
		log.Error().Err(err).Int("engagements_created", report.EngagementsCreated).Msg("seed run failed")
		return report, err
	}
	metrics.SeedRuns.WithLabelValues("ok").Inc()
	metrics.ItemsCovered.Set(float64(report.MindblocksCovered))
	e.audit(store, log, events.RunCompleted, req.CohortLabel, runID, events.EventPayload{
		"users_created":       report.UsersCreated,
		"engagements_created": report.EngagementsCreated,
		"mindblocks_covered":  report.MindblocksCovered,
		"pairs_skipped":       report.PairsSkipped,
	})
	log.Info().Int("engagements_created", report.EngagementsCreated).
		Int("pairs_skipped", report.PairsSkipped).Int("mindblocks_covered", report.MindblocksCovered).
		Msg("seed run completed")
	return report, nil
}

func (e Engine) seed(ctx, store context.Context, req domain.SeedingRequest, anchor time.Time, lease *cohortLease, log zerolog.Logger) (domain.SeedingReport, error) {
	users, err := e.Users.Provision(store, req)
	if err != nil {
		return domain.SeedingReport{}, fmt.Errorf("provision users: %w", err)
	}
	items, err := e.Repo.ListMindblocks(store)
	if err != nil {
		return domain.SeedingReport{UsersCreated: len(users)}, fmt.Errorf("load catalog: %w", err)
	}
	r := &run{
		req:    req,
		users:  users,
		items:  items,
		anchor: anchor,
		window: sample.WindowEndingAt(anchor, req.Days),
		writer: NewBatchWriter(e.Sink, e.BatchSize, log),
		lease:  lease,
		log:    log,
	}
	if len(items) == 0 {
		log.Warn().Msg("mindblock catalog is empty")
	}

	if err := e.walk(ctx, store, r); err != nil {
		return r.partial(), err
	}
	if err := r.writer.Flush(store); err != nil {
		return r.partial(), err
	}

	if req.Journeys() {
		e.seedJourneys(store, r)
	}
	if req.Notifications() {
		e.seedNotifications(store, r)
	}

	cov, err := e.Repo.Coverage(store, req.CohortLabel)
	if err != nil {
		return r.partial(), err
	}
	report := r.partial()
	report.MindblocksCovered = cov.Covered
	report.MinEngagementsPerMindblock = cov.Min
	report.MaxEngagementsPerMindblock = cov.Max
	return report, nil
}

// walk plans items in windows and applies them strictly in catalog order.
func (e Engine) walk(ctx, store context.Context, r *run) error {
	next := e.planner(r)
	step := r.req.Workers * 2
	if r.req.StreamMode == config.StreamSingle || step < 1 {
		step = 1
	}
	for start := 0; start < len(r.items); start += step {
		end := min(start+step, len(r.items))
		if err := r.lease.renew(store); err != nil {
			return err
		}
		plans, err := next(start, end)
		if err != nil {
			return err
		}
		for _, p := range plans {
			if err := ctx.Err(); err != nil {
				if ferr := r.writer.Flush(store); ferr != nil {
					return errors.Join(err, ferr)
				}
				return err
			}
			if err := e.apply(store, r, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// planner returns a function producing the plans of items [start,end).
// Per-item streams are independent and planned in parallel; the single
// stream is consumed sequentially across the whole catalog.
func (e Engine) planner(r *run) func(start, end int) ([]itemPlan, error) {
	n, k := len(r.users), r.req.CoveragePerMindblock
	master := prng.MasterSeed(r.req.CohortLabel, r.req.CountUsers, k)
	if r.req.StreamMode == config.StreamSingle {
		src := prng.New(master)
		return func(start, end int) ([]itemPlan, error) {
			plans := make([]itemPlan, 0, end-start)
			for i := start; i < end; i++ {
				plans = append(plans, planItem(src, r.items[i], n, k, r.window))
			}
			return plans, nil
		}
	}
	return func(start, end int) ([]itemPlan, error) {
		plans := make([]itemPlan, end-start)
		var g errgroup.Group
		g.SetLimit(r.req.Workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				src := prng.New(prng.SubSeed(master, i, r.items[i].ID))
				plans[i-start] = planItem(src, r.items[i], n, k, r.window)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("plan items %d-%d: %w", start, end-1, err)
		}
		return plans, nil
	}
}

func planItem(src sample.Source, item domain.Mindblock, n, k int, w sample.Window) itemPlan {
	p := itemPlan{item: item, users: plan.Assign(src, n, k)}
	p.drafts = make([]PairDraft, len(p.users))
	for j := range p.users {
		p.drafts[j] = DraftPair(src, w)
	}
	return p
}

func (e Engine) apply(ctx context.Context, r *run, p itemPlan) error {
	cohort := r.req.CohortLabel
	for j, ui := range p.users {
		u := r.users[ui]
		r.considered++
		seeded, err := e.Guard.Seeded(ctx, p.item.ID, u.ID, cohort)
		if err != nil {
			return fmt.Errorf("idempotency check %s/%s: %w", p.item.ID, u.ID, err)
		}
		if seeded {
			r.skipped++
			metrics.PairsSkipped.Inc()
			continue
		}
		if err := r.writer.Append(ctx, p.drafts[j].Rows(cohort, p.item.ID, u)...); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) partial() domain.SeedingReport {
	return domain.SeedingReport{
		UsersCreated:       len(r.users),
		EngagementsCreated: r.writer.Inserted(),
		PairsConsidered:    r.considered,
		PairsSkipped:       r.skipped,
	}
}

func (e Engine) anchor(req domain.SeedingRequest) time.Time {
	if req.Anchor != "" {
		if t, err := time.Parse(time.RFC3339, req.Anchor); err == nil {
			return t
		}
	}
	return e.clock()
}

func (e Engine) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) audit(ctx context.Context, log zerolog.Logger, evtType, cohort, runID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, cohort, "run", runID, payload); err != nil {
		metrics.AuxiliaryWriteErrors.WithLabelValues("events").Inc()
		log.Warn().Err(err).Str("type", evtType).Msg("audit event not recorded")
	}
}
