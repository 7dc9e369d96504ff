package llxscx

import "sync/atomic"

// Stats accumulates per-Engine SCX outcome counters, the Go analogue
// of the source's debugCounters: enough to see whether a workload is
// thrashing on aborts without attaching a profiler.
type Stats struct {
	attempts atomic.Int64
	commits  atomic.Int64
	aborts   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to log or
// print.
type StatsSnapshot struct {
	Attempts int64
	Commits  int64
	Aborts   int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Attempts: s.attempts.Load(),
		Commits:  s.commits.Load(),
		Aborts:   s.aborts.Load(),
	}
}
