package engine

import (
	"math"
	"testing"
	"time"

	"synthseed/internal/domain"
	"synthseed/internal/prng"
	"synthseed/internal/sample"
)

type counting struct {
	v float64
	n int
}

func (c *counting) Float64() float64 {
	c.n++
	return c.v
}

var testWindow = sample.WindowEndingAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), 45)

func TestDraftPairDrawCounts(t *testing.T) {
	cases := []struct {
		name  string
		v     float64
		draws int
		rows  int
	}{
		// 0.1: completes, rates, has a reflection.
		{"all", 0.1, 4 + 4 + 1 + 1 + 2 + 2 + 2 + 4 + 4, 4},
		// 0.7: neither completes nor rates.
		{"none", 0.7, 4 + 4 + 1 + 1 + 2, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &counting{v: tc.v}
			d := DraftPair(src, testWindow)
			if src.n != tc.draws {
				t.Fatalf("consumed %d draws want %d", src.n, tc.draws)
			}
			if rows := d.Rows("c", "MB-1", domain.SyntheticUser{ID: "u"}); len(rows) != tc.rows {
				t.Fatalf("%d rows want %d", len(rows), tc.rows)
			}
		})
	}
}

func TestDraftPairCompleteWithoutReflection(t *testing.T) {
	// 0.3 completes (<0.65) and rates (<0.5) but skips the reflection (>=0.2).
	src := &counting{v: 0.3}
	d := DraftPair(src, testWindow)
	if !d.Complete || !d.Rate || d.Reflection != nil {
		t.Fatalf("unexpected draft %+v", d)
	}
	if want := 4 + 4 + 1 + 1 + 2 + 2 + 1 + 4 + 4; src.n != want {
		t.Fatalf("consumed %d draws want %d", src.n, want)
	}
}

func TestDraftProbabilitiesConverge(t *testing.T) {
	const pairs = 20000
	src := prng.New(prng.MasterSeed("synthetics_v1", 3000, 15))
	completed, rated, reflected := 0, 0, 0
	for range pairs {
		d := DraftPair(src, testWindow)
		if d.Complete {
			completed++
			if d.Reflection != nil {
				reflected++
			}
		} else if d.Reflection != nil {
			t.Fatalf("reflection without completion")
		}
		if d.Rate {
			rated++
			if d.Rating < sample.MinRating || d.Rating > sample.MaxRating {
				t.Fatalf("rating %d", d.Rating)
			}
		}
		if d.Duration < sample.MinDuration || d.Duration > sample.MaxDuration {
			t.Fatalf("duration %d", d.Duration)
		}
	}
	check := func(name string, got, want float64) {
		if math.Abs(got-want) > 0.02 {
			t.Errorf("%s rate %.4f want %.2f±0.02", name, got, want)
		}
	}
	check("complete", float64(completed)/pairs, CompleteChance)
	check("rate", float64(rated)/pairs, RateChance)
	check("reflection", float64(reflected)/float64(completed), sample.ReflectionChance)
}

func TestRowsCarryOptionalFields(t *testing.T) {
	note := "Felt helpful and practical."
	org := "org-1"
	d := PairDraft{Complete: true, Rate: true, Duration: 90, Rating: 4, Reflection: &note}
	rows := d.Rows("cohort", "MB-7", domain.SyntheticUser{ID: "u-1", OrganizationID: &org})
	want := []domain.Action{domain.ActionViewed, domain.ActionStarted, domain.ActionCompleted, domain.ActionRated}
	for i, r := range rows {
		if r.Action != want[i] {
			t.Fatalf("row %d is %s", i, r.Action)
		}
		if r.Metadata.SeedKey != "cohort:MB-7:u-1" || *r.OrganizationID != org {
			t.Fatalf("row %d metadata %+v", i, r.Metadata)
		}
	}
	if *rows[2].DurationSeconds != 90 || *rows[2].Metadata.Reflection != note || rows[2].Metadata.Rating != nil {
		t.Fatalf("completed row %+v", rows[2])
	}
	if *rows[3].Metadata.Rating != 4 || rows[3].DurationSeconds != nil {
		t.Fatalf("rated row %+v", rows[3])
	}
}
