package plan

import (
	"reflect"
	"testing"

	"synthseed/internal/prng"
)

func TestAssignDefaultSeedScenario(t *testing.T) {
	r := prng.New(0)
	got := Assign(r, 5, 3)
	// base=floor(0.632*5)=3, stride 7 -> 0, stride 4 -> 4
	if want := []int{3, 0, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("assignment %v want %v", got, want)
	}
	// base draw + one stride draw per step, the last one included
	next := prng.New(0)
	for i := 0; i < 4; i++ {
		next.Float64()
	}
	if r.State() != next.State() {
		t.Fatalf("walk consumed an unexpected number of draws")
	}
	if again := Assign(prng.New(0), 5, 3); !reflect.DeepEqual(again, got) {
		t.Fatalf("rerun gave %v", again)
	}
}

func TestAssignCapsAtPool(t *testing.T) {
	got := Assign(prng.New(0), 4, 10)
	if len(got) != 4 {
		t.Fatalf("expected whole pool, got %v", got)
	}
	if want := []int{2, 1, 3, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("assignment %v want %v", got, want)
	}
}

func TestAssignEmpty(t *testing.T) {
	r := prng.New(5)
	before := r.State()
	if got := Assign(r, 0, 3); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := Assign(r, 3, 0); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if r.State() != before {
		t.Fatalf("empty assignment consumed draws")
	}
}

func TestAssignDistinctAndInRange(t *testing.T) {
	r := prng.New(2024)
	for _, tc := range []struct{ n, k int }{
		{1, 1}, {1, 5}, {2, 2}, {13, 13}, {26, 15}, {100, 15}, {3000, 15}, {39, 39},
	} {
		for trial := 0; trial < 50; trial++ {
			got := Assign(r, tc.n, tc.k)
			want := tc.k
			if want > tc.n {
				want = tc.n
			}
			if len(got) != want {
				t.Fatalf("n=%d k=%d: got %d users", tc.n, tc.k, len(got))
			}
			seen := map[int]bool{}
			for _, u := range got {
				if u < 0 || u >= tc.n {
					t.Fatalf("n=%d: index %d out of range", tc.n, u)
				}
				if seen[u] {
					t.Fatalf("n=%d k=%d: duplicate %d in %v", tc.n, tc.k, u, got)
				}
				seen[u] = true
			}
		}
	}
}

// always returns the same draw, which pins the stride.
type constant float64

func (c constant) Float64() float64 { return float64(c) }

func TestAssignTerminatesOnDegenerateStream(t *testing.T) {
	// stride is always 13, which cycles on a pool of 13 without progress.
	got := Assign(constant(0.99), 13, 5)
	if len(got) != 5 {
		t.Fatalf("got %v", got)
	}
	seen := map[int]bool{}
	for _, u := range got {
		if seen[u] {
			t.Fatalf("duplicate %d", u)
		}
		seen[u] = true
	}
}
