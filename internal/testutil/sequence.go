// Package testutil provides deterministic test doubles for the unit of work:
// a recording fake connection, a fake pool and a key sequence.
package testutil

import "sync"

// Sequence hands out monotonically increasing integers, standing in for a
// database's generated keys.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Sequence struct {
	mu  sync.Mutex
	cur int64
}

// NewSequence creates a sequence whose first Next returns start+1.
func NewSequence(start int64) *Sequence {
	return &Sequence{cur: start}
}

// Next increments and returns the next value.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur++
	return s.cur
}

// Current returns the last value handed out without incrementing.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}
