// Package sample turns uniform draws into the field values of an engagement.
//
// Each sampler consumes a fixed number of draws in a fixed order. Changing
// either changes every seeded dataset.
package sample

import (
	"math"
	"time"
)

// Source yields uniform draws. *prng.Rand satisfies it.
type Source interface {
	Float64() float64
}

const (
	MinDuration = 15
	MaxDuration = 1800
	MinRating   = 1
	MaxRating   = 5

	// Activity hours are [DayStartHour, DayStartHour+DayHours).
	DayStartHour = 8
	DayHours     = 14

	ReflectionChance = 0.2
)

var Reflections = []string{
	"Felt helpful and practical.",
	"Noticed a small shift in perspective.",
	"Will try this again later today.",
	"A bit challenging, but made sense.",
	"Good reminder during a rough moment.",
}

// normal draws u1 then u2 and applies Box–Muller.
func normal(src Source) float64 {
	u1 := math.Max(1e-9, src.Float64())
	u2 := math.Max(1e-9, src.Float64())
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// roundHalfUp sends halves towards +Inf, unlike math.Round.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

// Duration is log-normal with median 180s. Two draws.
func Duration(src Source) int {
	v := math.Exp(math.Log(180) + 0.9*normal(src))
	return int(math.Min(MaxDuration, math.Max(MinDuration, roundHalfUp(v))))
}

// Rating is N(4.1, 0.7) rounded and clamped to 1..5. Two draws.
func Rating(src Source) int {
	v := roundHalfUp(4.1 + 0.7*normal(src))
	return int(math.Max(MinRating, math.Min(MaxRating, v)))
}

// Window is the closed interval timestamps are sampled from.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingAt returns the days-long window that ends at anchor.
func WindowEndingAt(anchor time.Time, days int) Window {
	return Window{Start: anchor.Add(-time.Duration(days) * 24 * time.Hour), End: anchor}
}

// Timestamp picks an instant in w and moves it into daytime hours.
// Four draws: instant, hour, minute, second. Fields are set in the
// location of w.Start.
func Timestamp(src Source, w Window) time.Time {
	span := w.End.Sub(w.Start).Milliseconds()
	offset := int64(math.Floor(src.Float64() * float64(span)))
	t := w.Start.Add(time.Duration(offset) * time.Millisecond)
	hour := DayStartHour + int(math.Floor(src.Float64()*DayHours))
	if hour >= DayStartHour+DayHours {
		hour = DayStartHour + DayHours - 1
	}
	minute := clampInt(int(math.Floor(src.Float64()*60)), 59)
	second := clampInt(int(math.Floor(src.Float64()*60)), 59)
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, second, 0, t.Location())
}

// Reflection decides with one draw whether a completion carries a note and,
// if so, picks it with a second draw.
func Reflection(src Source) (string, bool) {
	if src.Float64() >= ReflectionChance {
		return "", false
	}
	i := int(math.Floor(src.Float64() * float64(len(Reflections))))
	if i >= len(Reflections) {
		i = len(Reflections) - 1
	}
	return Reflections[i], true
}

func clampInt(v, hi int) int {
	if v > hi {
		return hi
	}
	return v
}
