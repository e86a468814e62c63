// Package prng implements the xorshift32 generator every sampler draws from.
//
// The output sequence is part of the seeding contract: identical seeds must
// give identical streams, so nothing here may change the bit arithmetic.
package prng

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
)

// ZeroSeed replaces a zero seed, which is a fixed point of xorshift.
const ZeroSeed uint32 = 123456789

// Rand is a xorshift32 stream. It is not safe for concurrent use.
type Rand struct {
	x uint32
}

func New(seed uint32) *Rand {
	if seed == 0 {
		seed = ZeroSeed
	}
	return &Rand{x: seed}
}

// Float64 advances the state and returns x/0xFFFFFFFF.
// The all-ones state maps to exactly 1.0; use Index for bounded integers.
func (r *Rand) Float64() float64 {
	x := r.x
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.x = x
	return float64(x) / 0xFFFFFFFF
}

func (r *Rand) State() uint32 { return r.x }

// Index maps a draw onto [0,n). n must be positive.
func Index(draw float64, n int) int {
	i := int(draw * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// MasterSeed derives the single-stream seed for a run from its parameters.
func MasterSeed(cohortLabel string, countUsers, coverage int) uint32 {
	var sum uint32
	for _, u := range utf16.Encode([]rune(cohortLabel)) {
		sum += uint32(u)
	}
	return sum + uint32(countUsers) + uint32(coverage)
}

// SubSeed derives an independent stream seed for one content item so items
// can be generated in any order or in parallel.
func SubSeed(master uint32, index int, contentID string) uint32 {
	buf := make([]byte, 12, 12+len(contentID))
	binary.LittleEndian.PutUint32(buf[0:4], master)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(index))
	buf = append(buf, contentID...)
	h := xxhash.Sum64(buf)
	return uint32(h) ^ uint32(h>>32)
}
