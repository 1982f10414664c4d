package provider

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
)

const (
	seenCapacity      = 4096
	seenFalsePositive = 1e-6
)

// seenFilter remembers recently relayed deltas in two bloom generations.
// When the current one fills up it becomes the previous one, so memory stays
// bounded and old entries age out.
type seenFilter struct {
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	adds     uint
}

func newSeenFilter() *seenFilter {
	return &seenFilter{
		current:  bloom.NewWithEstimates(seenCapacity, seenFalsePositive),
		previous: bloom.NewWithEstimates(seenCapacity, seenFalsePositive),
	}
}

func deltaKey(data []byte) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], xxhash.Sum64(data))
	return key[:]
}

// contains reports whether data was already seen.
func (s *seenFilter) contains(data []byte) bool {
	key := deltaKey(data)
	return s.current.Test(key) || s.previous.Test(key)
}

func (s *seenFilter) remember(data []byte) {
	s.add(deltaKey(data))
}

func (s *seenFilter) add(key []byte) {
	if s.adds >= seenCapacity {
		s.previous, s.current = s.current, s.previous
		s.current.ClearAll()
		s.adds = 0
	}
	s.current.Add(key)
	s.adds++
}
