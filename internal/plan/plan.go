// Package plan chooses which synthetic users engage with each content item.
package plan

import (
	"synthseed/internal/prng"
	"synthseed/internal/sample"
)

// MaxStride bounds the walk step: strides are uniform in [1, MaxStride].
const MaxStride = 13

// Assignment is the ordered, duplicate-free user selection for one item.
type Assignment struct {
	ContentID string `json:"content_id"`
	Users     []int  `json:"users"`
}

// Assign selects min(k, n) distinct indices from [0,n) with a stride-probing
// walk: one draw picks the base cursor, then every step takes the cursor if
// unseen and advances it by a freshly drawn stride, including after the final
// pick. Returns nil without drawing when n or k is not positive.
func Assign(src sample.Source, n, k int) []int {
	if n <= 0 || k <= 0 {
		return nil
	}
	want := k
	if want > n {
		want = n
	}
	chosen := make([]int, 0, want)
	seen := make([]bool, n)
	cursor := prng.Index(src.Float64(), n)
	// The walk re-draws its stride every step so it reaches every index;
	// the step cap only guards against a pathological stream.
	maxSteps := 64 * (n + want)
	for steps := 0; len(chosen) < want; steps++ {
		if steps >= maxSteps {
			return fillLowest(chosen, seen, want)
		}
		if !seen[cursor] {
			seen[cursor] = true
			chosen = append(chosen, cursor)
		}
		cursor = (cursor + 1 + prng.Index(src.Float64(), MaxStride)) % n
	}
	return chosen
}

func fillLowest(chosen []int, seen []bool, want int) []int {
	for i := 0; i < len(seen) && len(chosen) < want; i++ {
		if !seen[i] {
			seen[i] = true
			chosen = append(chosen, i)
		}
	}
	return chosen
}
