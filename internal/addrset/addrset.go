// Package addrset implements a bounded, deduplicating set of source
// endpoints used to count distinct clients within a measurement window.
package addrset

import (
	"math/bits"

	"firestige.xyz/rzkeychange/internal/core"
)

// DefaultCapacity is the number of distinct endpoints tracked per window
// when no capacity is configured.
const DefaultCapacity = 2_000_000

const (
	minBuckets = 1 << 10
	maxBuckets = 1 << 16

	// initial arena allocation; the arena grows by append up to capacity.
	arenaHint = 4096

	nilSlot int32 = -1
)

// Set stores each endpoint at most once, up to a fixed capacity.
// Entries live in a contiguous arena; a power-of-two bucket index chains
// arena slots through next. Once the arena is full new endpoints are
// dropped silently and Saturated reports true.
//
// Set is not safe for concurrent use; it is owned by the pipeline goroutine.
type Set struct {
	arena    []core.Endpoint
	next     []int32
	buckets  []int32
	mask     uint32
	capacity int
	dropped  uint64
}

// New returns an empty set holding at most capacity endpoints.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Set {
	s := &Set{}
	s.Reset(capacity)
	return s
}

// Reset discards all entries and applies a new capacity.
func (s *Set) Reset(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	n := bucketCount(capacity)
	s.capacity = capacity
	s.mask = uint32(n - 1)
	s.buckets = make([]int32, n)
	for i := range s.buckets {
		s.buckets[i] = nilSlot
	}
	hint := min(capacity, arenaHint)
	s.arena = make([]core.Endpoint, 0, hint)
	s.next = make([]int32, 0, hint)
	s.dropped = 0
}

// bucketCount returns the power of two closest above capacity, clamped to
// [minBuckets, maxBuckets].
func bucketCount(capacity int) int {
	if capacity <= minBuckets {
		return minBuckets
	}
	n := 1 << bits.Len(uint(capacity-1))
	return min(n, maxBuckets)
}

// InsertIfAbsent adds e and reports whether a new slot was used.
// It returns false for duplicates, for invalid endpoints and once the set
// is saturated.
func (s *Set) InsertIfAbsent(e core.Endpoint) bool {
	if !e.IsValid() {
		return false
	}
	b := e.Hash() & s.mask
	for i := s.buckets[b]; i != nilSlot; i = s.next[i] {
		if core.Compare(s.arena[i], e) == 0 {
			return false
		}
	}
	if len(s.arena) >= s.capacity {
		s.dropped++
		return false
	}
	slot := int32(len(s.arena))
	s.arena = append(s.arena, e)
	s.next = append(s.next, s.buckets[b])
	s.buckets[b] = slot
	return true
}

// Contains reports whether e is in the set.
func (s *Set) Contains(e core.Endpoint) bool {
	b := e.Hash() & s.mask
	for i := s.buckets[b]; i != nilSlot; i = s.next[i] {
		if core.Compare(s.arena[i], e) == 0 {
			return true
		}
	}
	return false
}

// Size returns the number of distinct endpoints stored.
func (s *Set) Size() int { return len(s.arena) }

// Capacity returns the maximum number of endpoints the set will hold.
func (s *Set) Capacity() int { return s.capacity }

// Saturated reports whether the arena is full.
func (s *Set) Saturated() bool { return len(s.arena) >= s.capacity }

// Dropped returns how many insertions of new endpoints were refused
// because the set was saturated. Repeated sightings of the same unseen
// endpoint are counted each time.
func (s *Set) Dropped() uint64 { return s.dropped }
