package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"synthseed/internal/config"
	"synthseed/internal/db"
	"synthseed/internal/domain"
	"synthseed/internal/engine"
	"synthseed/internal/events"
	"synthseed/internal/migrate"
	"synthseed/internal/plan"
	"synthseed/internal/prng"
	"synthseed/internal/provision"
	"synthseed/internal/repo"
	"synthseed/internal/sample"
)

const testCohort = "test_cohort"

var testAnchor = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, items ...string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return testAnchor }
	eng.Events.Now = eng.Now
	blocks := make([]domain.Mindblock, len(items))
	for i, id := range items {
		blocks[i] = domain.Mindblock{ID: id, Title: "Block " + id}
	}
	if _, err := eng.Repo.UpsertMindblocks(ctx, blocks); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func catalog(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("MB-%03d", i+1)
	}
	return ids
}

func request(users, coverage int) domain.SeedingRequest {
	return domain.SeedingRequest{
		CountUsers:           users,
		CoveragePerMindblock: coverage,
		Days:                 10,
		CohortLabel:          testCohort,
		Anchor:               testAnchor.Format(time.RFC3339),
		Workers:              3,
	}
}

func (env testEnv) rows(t *testing.T) []domain.EngagementEvent {
	t.Helper()
	rows, err := env.Engine.Repo.ListEngagements(env.Ctx, testCohort, "", 0)
	if err != nil {
		t.Fatalf("list engagements: %v", err)
	}
	return rows
}

type pairKey struct{ content, user string }

func byPair(rows []domain.EngagementEvent) map[pairKey][]domain.EngagementEvent {
	out := map[pairKey][]domain.EngagementEvent{}
	for _, r := range rows {
		k := pairKey{r.ContentID, r.UserID}
		out[k] = append(out[k], r)
	}
	return out
}

func TestSeedCoverageAndRowShape(t *testing.T) {
	env := newTestEnv(t, catalog(6)...)
	report, err := env.Engine.Seed(env.Ctx, request(20, 5))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	rows := env.rows(t)
	if report.EngagementsCreated != len(rows) {
		t.Fatalf("report says %d rows, table has %d", report.EngagementsCreated, len(rows))
	}
	if report.UsersCreated != 20 || report.MindblocksCovered != 6 || report.PairsConsidered != 30 || report.PairsSkipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.MinEngagementsPerMindblock < 10 || report.MaxEngagementsPerMindblock > 20 {
		t.Fatalf("per-item counts out of range: %+v", report)
	}

	usersPerItem := map[string]int{}
	for k, pair := range byPair(rows) {
		usersPerItem[k.content]++
		if len(pair) < 2 || len(pair) > 4 {
			t.Fatalf("pair %v has %d rows", k, len(pair))
		}
		seen := map[domain.Action]bool{}
		for _, r := range pair {
			if seen[r.Action] {
				t.Fatalf("pair %v repeats %s", k, r.Action)
			}
			seen[r.Action] = true
			if r.Metadata.CohortLabel != testCohort || r.Metadata.SeedKey != domain.SeedKey(testCohort, k.content, k.user) {
				t.Fatalf("bad metadata %+v", r.Metadata)
			}
			if r.OrganizationID == nil {
				t.Fatalf("row without organization")
			}
			if h := r.CreatedAt.UTC().Hour(); h < sample.DayStartHour || h >= sample.DayStartHour+sample.DayHours {
				t.Fatalf("hour %d outside activity hours", h)
			}
			day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
			if day.Before(testAnchor.AddDate(0, 0, -10).Truncate(24*time.Hour)) || day.After(testAnchor) {
				t.Fatalf("timestamp %s outside window", r.CreatedAt)
			}
			switch r.Action {
			case domain.ActionCompleted:
				if r.DurationSeconds == nil || *r.DurationSeconds < sample.MinDuration || *r.DurationSeconds > sample.MaxDuration {
					t.Fatalf("bad duration %v", r.DurationSeconds)
				}
			case domain.ActionRated:
				if r.Metadata.Rating == nil || *r.Metadata.Rating < 1 || *r.Metadata.Rating > 5 {
					t.Fatalf("bad rating %v", r.Metadata.Rating)
				}
			default:
				if r.DurationSeconds != nil || r.Metadata.Rating != nil || r.Metadata.Reflection != nil {
					t.Fatalf("%s row carries optional fields", r.Action)
				}
			}
		}
		if !seen[domain.ActionViewed] || !seen[domain.ActionStarted] {
			t.Fatalf("pair %v lacks viewed/started", k)
		}
	}
	for id, n := range usersPerItem {
		if n != 5 {
			t.Fatalf("%s engaged by %d users, want 5", id, n)
		}
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	for _, mode := range []string{config.StreamPerItem, config.StreamSingle} {
		t.Run(mode, func(t *testing.T) {
			a := newTestEnv(t, catalog(5)...)
			b := newTestEnv(t, catalog(5)...)
			req := request(30, 7)
			req.StreamMode = mode
			if _, err := a.Engine.Seed(a.Ctx, req); err != nil {
				t.Fatal(err)
			}
			req.Workers = 1
			if _, err := b.Engine.Seed(b.Ctx, req); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(a.rows(t), b.rows(t)) {
				t.Fatalf("identical requests produced different rows")
			}
		})
	}
}

func TestSingleStreamFollowsMasterSeed(t *testing.T) {
	env := newTestEnv(t, "MB-1", "MB-2")
	req := request(12, 4)
	req.StreamMode = config.StreamSingle
	if _, err := env.Engine.Seed(env.Ctx, req); err != nil {
		t.Fatal(err)
	}
	src := prng.New(prng.MasterSeed(testCohort, 12, 4))
	w := sample.WindowEndingAt(testAnchor, 10)
	pairs := byPair(env.rows(t))
	for _, id := range []string{"MB-1", "MB-2"} {
		for _, ui := range plan.Assign(src, 12, 4) {
			d := engine.DraftPair(src, w)
			got := pairs[pairKey{id, provision.UserID(provision.Email(ui))}]
			want := 2
			if d.Complete {
				want++
			}
			if d.Rate {
				want++
			}
			if len(got) != want {
				t.Fatalf("%s user %d: %d rows want %d", id, ui, len(got), want)
			}
		}
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	env := newTestEnv(t, catalog(4)...)
	first, err := env.Engine.Seed(env.Ctx, request(15, 6))
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Seed(env.Ctx, request(15, 6))
	if err != nil {
		t.Fatal(err)
	}
	if second.EngagementsCreated != 0 || second.PairsSkipped != second.PairsConsidered {
		t.Fatalf("rerun wrote rows: %+v", second)
	}
	if second.MindblocksCovered != first.MindblocksCovered || second.MinEngagementsPerMindblock != first.MinEngagementsPerMindblock {
		t.Fatalf("coverage changed: %+v vs %+v", first, second)
	}
	if len(env.rows(t)) != first.EngagementsCreated {
		t.Fatalf("table grew on rerun")
	}
}

func TestCoverageCappedByPool(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	report, err := env.Engine.Seed(env.Ctx, request(4, 10))
	if err != nil {
		t.Fatal(err)
	}
	if report.PairsConsidered != 12 {
		t.Fatalf("considered %d pairs, want 12", report.PairsConsidered)
	}
	users := map[string]map[string]bool{}
	for k := range byPair(env.rows(t)) {
		if users[k.content] == nil {
			users[k.content] = map[string]bool{}
		}
		users[k.content][k.user] = true
	}
	for id, set := range users {
		if len(set) != 4 {
			t.Fatalf("%s has %d users", id, len(set))
		}
	}
}

// A larger pool changes the master seed and the planner's modulus, so every
// item is planned afresh: pairs already seeded are skipped, the rest are
// written, and an item ends up with up to 2K distinct users.
func TestGrowingPoolReplansEveryItem(t *testing.T) {
	for _, mode := range []string{config.StreamPerItem, config.StreamSingle} {
		t.Run(mode, func(t *testing.T) {
			env := newTestEnv(t, catalog(5)...)
			small, grown := request(10, 4), request(25, 4)
			small.StreamMode, grown.StreamMode = mode, mode
			if _, err := env.Engine.Seed(env.Ctx, small); err != nil {
				t.Fatal(err)
			}
			before := byPair(env.rows(t))

			overlap, newForExisting := 0, 0
			overlapByItem := map[string]int{}
			for _, id := range catalog(5) {
				p, err := env.Engine.Preview(env.Ctx, grown, id)
				if err != nil {
					t.Fatal(err)
				}
				for _, pair := range p.Pairs {
					switch {
					case pair.Seeded:
						overlap++
						overlapByItem[id]++
					case pair.UserIndex < 10:
						newForExisting++
					}
				}
			}

			report, err := env.Engine.Seed(env.Ctx, grown)
			if err != nil {
				t.Fatal(err)
			}
			if report.PairsConsidered != 20 || report.PairsSkipped != overlap {
				t.Fatalf("report %+v, want 20 considered and %d skipped", report, overlap)
			}
			after := byPair(env.rows(t))
			if len(after) != len(before)+20-overlap {
				t.Fatalf("pairs %d -> %d with %d overlapping", len(before), len(after), overlap)
			}

			existing := map[string]bool{}
			for i := 0; i < 10; i++ {
				existing[provision.UserID(provision.Email(i))] = true
			}
			countExisting := func(pairs map[pairKey][]domain.EngagementEvent) int {
				n := 0
				for k := range pairs {
					if existing[k.user] {
						n++
					}
				}
				return n
			}
			if got := countExisting(after) - countExisting(before); got != newForExisting {
				t.Fatalf("existing users gained %d pairs, want %d", got, newForExisting)
			}

			users := map[string]int{}
			for k := range after {
				users[k.content]++
			}
			for _, id := range catalog(5) {
				if want := 8 - overlapByItem[id]; users[id] != want {
					t.Fatalf("%s has %d users, want %d", id, users[id], want)
				}
			}

			type rowKey struct {
				pairKey
				action domain.Action
			}
			seen := map[rowKey]bool{}
			for _, r := range env.rows(t) {
				k := rowKey{pairKey{r.ContentID, r.UserID}, r.Action}
				if seen[k] {
					t.Fatalf("duplicate %s row for %v", r.Action, k.pairKey)
				}
				seen[k] = true
			}
		})
	}
}

func TestConcurrentRunsOnOneCohortWriteOnce(t *testing.T) {
	ref := newTestEnv(t, catalog(20)...)
	want, err := ref.Engine.Seed(ref.Ctx, request(50, 10))
	if err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, catalog(20)...)
	var wg sync.WaitGroup
	reports := make([]domain.SeedingReport, 2)
	errs := make([]error, 2)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = env.Engine.Seed(env.Ctx, request(50, 10))
		}()
	}
	wg.Wait()

	written := 0
	for i, err := range errs {
		if err != nil && !errors.Is(err, engine.ErrRunInProgress) {
			t.Fatalf("run %d: %v", i, err)
		}
		written += reports[i].EngagementsCreated
	}
	if errs[0] != nil && errs[1] != nil {
		t.Fatalf("both runs rejected")
	}
	rows := len(env.rows(t))
	if rows != want.EngagementsCreated || written != rows {
		t.Fatalf("table has %d rows, runs reported %d, single run writes %d", rows, written, want.EngagementsCreated)
	}
}

func TestHeldCohortRejectsRun(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	r := env.Engine.Repo
	if _, err := r.ClaimSeedLease(env.Ctx, testCohort, "other-run", testAnchor, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Seed(env.Ctx, request(6, 2)); !errors.Is(err, engine.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if n := len(env.rows(t)); n != 0 {
		t.Fatalf("rejected run wrote %d rows", n)
	}
	if l, err := r.GetSeedLease(env.Ctx, testCohort); err != nil || l.RunID != "other-run" {
		t.Fatalf("holder's lease disturbed: %+v %v", l, err)
	}
	other := request(6, 2)
	other.CohortLabel = "other_cohort"
	if _, err := env.Engine.Seed(env.Ctx, other); err != nil {
		t.Fatalf("other cohort blocked: %v", err)
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	r := env.Engine.Repo
	if _, err := r.ClaimSeedLease(env.Ctx, testCohort, "crashed-run", testAnchor.Add(-time.Hour), 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Seed(env.Ctx, request(6, 2))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if report.EngagementsCreated == 0 {
		t.Fatalf("nothing written: %+v", report)
	}
	if _, err := r.GetSeedLease(env.Ctx, testCohort); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease not released after run: %v", err)
	}
}

// A stepping clock forces renewals between windows; the run must keep its
// claim throughout and release it at the end.
func TestLeaseIsRenewedDuringRun(t *testing.T) {
	env := newTestEnv(t, catalog(12)...)
	var mu sync.Mutex
	tick := testAnchor
	env.Engine.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Minute)
		return tick
	}
	env.Engine.LeaseTTL = 2 * time.Minute
	req := request(10, 3)
	req.Workers = 1
	if _, err := env.Engine.Seed(env.Ctx, req); err != nil {
		t.Fatalf("seed with renewals: %v", err)
	}
	if _, err := env.Engine.Repo.GetSeedLease(env.Ctx, testCohort); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease not released: %v", err)
	}
}

func TestEmptyCatalogReportsZero(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.Engine.Seed(env.Ctx, request(7, 3))
	if err != nil {
		t.Fatal(err)
	}
	want := domain.SeedingReport{UsersCreated: 7}
	if report != want {
		t.Fatalf("got %+v want %+v", report, want)
	}
}

func TestDefaultsFillMissingFields(t *testing.T) {
	env := newTestEnv(t, "MB-1")
	report, err := env.Engine.Seed(env.Ctx, domain.SeedingRequest{CountUsers: -5, CohortLabel: testCohort, Anchor: "not-a-time"})
	if err != nil {
		t.Fatal(err)
	}
	if report.UsersCreated != config.DefaultCountUsers || report.PairsConsidered != config.DefaultCoveragePerMindblock {
		t.Fatalf("defaults not applied: %+v", report)
	}
}

type failingSink struct{ err error }

func (f failingSink) InsertEngagements(context.Context, []domain.EngagementEvent) error { return f.err }

func TestFlushFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	errDisk := errors.New("disk full")
	env.Engine.Sink = failingSink{err: errDisk}
	report, err := env.Engine.Seed(env.Ctx, request(10, 3))
	if !errors.Is(err, errDisk) {
		t.Fatalf("expected flush error, got %v", err)
	}
	if report.EngagementsCreated != 0 {
		t.Fatalf("failed run reports %d rows", report.EngagementsCreated)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, testCohort, events.RunFailed)
	if err != nil || len(evts) != 1 {
		t.Fatalf("failure not audited: %v %d", err, len(evts))
	}
}

type flakySink struct {
	engine.Sink
	failures int
	calls    int
}

func (f *flakySink) InsertEngagements(ctx context.Context, rows []domain.EngagementEvent) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	return f.Sink.InsertEngagements(ctx, rows)
}

func TestTransientFlushErrorsAreRetried(t *testing.T) {
	env := newTestEnv(t, catalog(2)...)
	sink := &flakySink{Sink: env.Engine.Repo, failures: 2}
	env.Engine.Sink = sink
	report, err := env.Engine.Seed(env.Ctx, request(6, 3))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if sink.calls != 3 || report.EngagementsCreated == 0 {
		t.Fatalf("calls=%d report=%+v", sink.calls, report)
	}
}

type brokenGuard struct{}

func (brokenGuard) Seeded(context.Context, string, string, string) (bool, error) {
	return false, errors.New("guard down")
}

func TestGuardFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t, catalog(2)...)
	env.Engine.Guard = brokenGuard{}
	if _, err := env.Engine.Seed(env.Ctx, request(6, 3)); err == nil {
		t.Fatalf("expected guard error")
	}
	if n := len(env.rows(t)); n != 0 {
		t.Fatalf("%d rows written", n)
	}
}

func TestCanceledRunStopsBetweenItems(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	report, err := env.Engine.Seed(ctx, request(6, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.UsersCreated != 6 || report.PairsConsidered != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestJourneysAndNotificationsAreSeededOnce(t *testing.T) {
	env := newTestEnv(t, "MB-1")
	req := request(5, 2)
	on := true
	req.WithJourneys = &on
	req.WithNotifications = &on
	for range 2 {
		if _, err := env.Engine.Seed(env.Ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := env.Engine.Repo.CountJourneyRuns(env.Ctx)
	if err != nil || runs != 5 {
		t.Fatalf("journey runs %d (%v)", runs, err)
	}
	queued, err := env.Engine.Repo.CountNotifications(env.Ctx, testCohort)
	if err != nil || queued != 5 {
		t.Fatalf("notifications %d (%v)", queued, err)
	}
}

func TestRunIsAudited(t *testing.T) {
	env := newTestEnv(t, "MB-1")
	if _, err := env.Engine.Seed(env.Ctx, request(3, 2)); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, testCohort, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != events.RunCompleted || evts[1].Type != events.RunStarted {
		t.Fatalf("unexpected events %+v", evts)
	}
	if evts[0].EntityID != evts[1].EntityID {
		t.Fatalf("events belong to different runs")
	}
}

func TestPreviewMatchesSeededRows(t *testing.T) {
	for _, mode := range []string{config.StreamPerItem, config.StreamSingle} {
		t.Run(mode, func(t *testing.T) {
			env := newTestEnv(t, catalog(4)...)
			req := request(9, 3)
			req.StreamMode = mode
			before, err := env.Engine.Preview(env.Ctx, req, "MB-003")
			if err != nil {
				t.Fatal(err)
			}
			if before.CatalogSlot != 2 || len(before.Pairs) != 3 {
				t.Fatalf("preview %+v", before)
			}
			if _, err := env.Engine.Seed(env.Ctx, req); err != nil {
				t.Fatal(err)
			}
			after, err := env.Engine.Preview(env.Ctx, req, "MB-003")
			if err != nil {
				t.Fatal(err)
			}
			pairs := byPair(env.rows(t))
			for i, p := range after.Pairs {
				if before.Pairs[i].Seeded || !p.Seeded {
					t.Fatalf("seeded flags before=%v after=%v", before.Pairs[i].Seeded, p.Seeded)
				}
				got := pairs[pairKey{"MB-003", p.UserID}]
				if len(got) != len(p.Actions) {
					t.Fatalf("user %d: %d rows, preview says %v", p.UserIndex, len(got), p.Actions)
				}
			}
		})
	}
}

func TestPreviewUnknownItem(t *testing.T) {
	env := newTestEnv(t, "MB-1")
	if _, err := env.Engine.Preview(env.Ctx, request(3, 2), "MB-404"); err == nil {
		t.Fatalf("expected error for unknown item")
	}
}

func TestReportSumsActions(t *testing.T) {
	env := newTestEnv(t, catalog(3)...)
	seeded, err := env.Engine.Seed(env.Ctx, request(8, 4))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Report(env.Ctx, testCohort)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Engagements != seeded.EngagementsCreated || rep.Profiles != 8 || rep.MindblocksCovered != 3 {
		t.Fatalf("report %+v vs seed %+v", rep, seeded)
	}
	if rep.ByAction["viewed"] != 12 || rep.ByAction["started"] != 12 {
		t.Fatalf("by action %v", rep.ByAction)
	}
}
