package sample

import (
	"math"
	"testing"
	"time"

	"synthseed/internal/prng"
)

// seq replays fixed draws and counts how many were taken.
type seq struct {
	vals []float64
	n    int
}

func (s *seq) Float64() float64 {
	v := s.vals[s.n%len(s.vals)]
	s.n++
	return v
}

func TestDurationMedianAndDrawCount(t *testing.T) {
	// u2=0.25 gives cos(pi/2)=0, so z=0 and the value is the median.
	s := &seq{vals: []float64{0.5, 0.25}}
	if got := Duration(s); got != 180 {
		t.Fatalf("duration %d want 180", got)
	}
	if s.n != 2 {
		t.Fatalf("consumed %d draws", s.n)
	}
}

func TestDurationClamps(t *testing.T) {
	// u1 tiny, u2=0 -> z large positive -> clamp high.
	if got := Duration(&seq{vals: []float64{0, 0}}); got != MaxDuration {
		t.Fatalf("got %d want %d", got, MaxDuration)
	}
	// u2=0.5 -> cos(pi)=-1 -> z large negative -> clamp low.
	if got := Duration(&seq{vals: []float64{0, 0.5}}); got != MinDuration {
		t.Fatalf("got %d want %d", got, MinDuration)
	}
}

func TestRating(t *testing.T) {
	s := &seq{vals: []float64{0.5, 0.25}}
	if got := Rating(s); got != 4 {
		t.Fatalf("rating %d want 4", got)
	}
	if s.n != 2 {
		t.Fatalf("consumed %d draws", s.n)
	}
	if got := Rating(&seq{vals: []float64{0, 0.5}}); got != MinRating {
		t.Fatalf("rating %d want %d", got, MinRating)
	}
	if got := Rating(&seq{vals: []float64{0, 0}}); got != MaxRating {
		t.Fatalf("rating %d want %d", got, MaxRating)
	}
}

func TestTimestamp(t *testing.T) {
	anchor := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	w := WindowEndingAt(anchor, 10)
	s := &seq{vals: []float64{0.5, 0.0, 0.5, 0.999}}
	got := Timestamp(s, w)
	if s.n != 4 {
		t.Fatalf("consumed %d draws", s.n)
	}
	want := time.Date(2024, 3, 5, 8, 30, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("timestamp %v want %v", got, want)
	}
	// A draw of exactly 1.0 still lands inside the activity hours.
	got = Timestamp(&seq{vals: []float64{1, 1, 1, 1}}, w)
	if got.Hour() != DayStartHour+DayHours-1 || got.Minute() != 59 || got.Second() != 59 {
		t.Fatalf("edge timestamp %v", got)
	}
}

// The hour override keeps the calendar day of the sampled instant, so on the
// first and last day of the window a timestamp can fall outside [Start, End]
// but never outside those days' activity hours.
func TestTimestampEdgeDays(t *testing.T) {
	anchor := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	w := WindowEndingAt(anchor, 1)

	early := Timestamp(&seq{vals: []float64{0, 0, 0, 0}}, w)
	if want := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC); !early.Equal(want) || !early.Before(w.Start) {
		t.Fatalf("first-day timestamp %v, want %v before window start", early, want)
	}
	late := Timestamp(&seq{vals: []float64{0.9999, 0.999, 0, 0}}, w)
	if want := time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC); !late.Equal(want) || !late.After(w.End) {
		t.Fatalf("anchor-day timestamp %v, want %v after anchor", late, want)
	}

	lo := time.Date(2024, 3, 9, DayStartHour, 0, 0, 0, time.UTC)
	hi := time.Date(2024, 3, 10, DayStartHour+DayHours, 0, 0, 0, time.UTC)
	r := prng.New(7)
	for i := 0; i < 5000; i++ {
		ts := Timestamp(r, w)
		if ts.Before(lo) || !ts.Before(hi) {
			t.Fatalf("timestamp %v outside [%v, %v)", ts, lo, hi)
		}
	}
}

func TestReflection(t *testing.T) {
	s := &seq{vals: []float64{0.5}}
	if _, ok := Reflection(s); ok || s.n != 1 {
		t.Fatalf("expected no reflection after one draw, ok=%v n=%d", ok, s.n)
	}
	s = &seq{vals: []float64{0.1, 0.45}}
	text, ok := Reflection(s)
	if !ok || s.n != 2 || text != Reflections[2] {
		t.Fatalf("got %q ok=%v n=%d", text, ok, s.n)
	}
}

func TestSamplerBounds(t *testing.T) {
	r := prng.New(99)
	w := WindowEndingAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 45)
	var sum float64
	const n = 20000
	for i := 0; i < n; i++ {
		d := Duration(r)
		if d < MinDuration || d > MaxDuration {
			t.Fatalf("duration %d out of bounds", d)
		}
		rt := Rating(r)
		if rt < MinRating || rt > MaxRating {
			t.Fatalf("rating %d out of bounds", rt)
		}
		sum += float64(rt)
		ts := Timestamp(r, w)
		if ts.Hour() < DayStartHour || ts.Hour() >= DayStartHour+DayHours {
			t.Fatalf("hour %d out of bounds", ts.Hour())
		}
	}
	if mean := sum / n; math.Abs(mean-4.0) > 0.2 {
		t.Fatalf("rating mean %.3f drifted", mean)
	}
}
