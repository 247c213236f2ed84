package tt

import "sync/atomic"

// Stats exposes the pending-record lifecycle counters spec.md §4.3
// implies but leaves to an external collaborator to observe: how many
// task instances were created, became ready, actually ran, and ran via
// the short-circuit inline path rather than the queue. Mirrors the
// reference scheduler's Stats struct (task counts by state).
type Stats struct {
	created        int64
	readied        int64
	executed       int64
	shortCircuited int64
}

func (s *Stats) incCreated()        { atomic.AddInt64(&s.created, 1) }
func (s *Stats) incReadied()        { atomic.AddInt64(&s.readied, 1) }
func (s *Stats) incExecuted()       { atomic.AddInt64(&s.executed, 1) }
func (s *Stats) incShortCircuited() { atomic.AddInt64(&s.shortCircuited, 1) }

// Snapshot is a point-in-time copy of Stats' counters.
type Snapshot struct {
	Created        int64
	Readied        int64
	Executed       int64
	ShortCircuited int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Created:        atomic.LoadInt64(&s.created),
		Readied:        atomic.LoadInt64(&s.readied),
		Executed:       atomic.LoadInt64(&s.executed),
		ShortCircuited: atomic.LoadInt64(&s.shortCircuited),
	}
}
