// ABOUTME: Back-off schedule for skew re-estimation
// ABOUTME: Doubles the interval after each successful AdjustSkew
package sync

import "time"

// SkewSchedule spaces AdjustSkew calls at exponentially increasing intervals
type SkewSchedule struct {
	interval time.Duration
	max      time.Duration
}

// NewSkewSchedule starts at initial and never exceeds max
func NewSkewSchedule(initial, max time.Duration) *SkewSchedule {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &SkewSchedule{interval: initial, max: max}
}

// Next returns the wait before the next AdjustSkew
func (s *SkewSchedule) Next() time.Duration {
	return s.interval
}

// Success doubles the interval
func (s *SkewSchedule) Success() {
	s.interval *= 2
	if s.interval > s.max {
		s.interval = s.max
	}
}

// Failure keeps the interval so the next attempt comes as soon as planned
func (s *SkewSchedule) Failure() {}
