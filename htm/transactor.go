// Package htm provides the three-path driver's stand-in for hardware
// transactional memory. Go exposes no HTM intrinsic, so instead of
// fabricating one, this package depends on golang.org/x/sys/cpu to
// detect whether the host CPU advertises a transactional-memory
// feature (Intel TSX's RTM on amd64) and, when it does, emulates a
// restartable attempt with a software lock-elision discipline: the
// "transaction" reads a shared elision lock and a generation counter,
// aborts if the lock is held when it starts, runs the body, and the
// body is only considered to have committed if the generation counter
// (which every release of the lock bumps) is unchanged afterwards.
//
// spec.md marks "the HTM instruction intrinsics themselves" as out of
// scope and asks only that their observable semantics be specified;
// this package is the honest Go expression of that: real feature
// detection, software-emulated transactional semantics.
package htm

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// AbortReason is why a Transactor attempt failed to commit.
type AbortReason int

const (
	// AbortNone is the zero value; never returned on a failed attempt.
	AbortNone AbortReason = iota
	// AbortCapacity mirrors a real HTM capacity abort: speculative
	// state is believed to have exceeded what the path can track.
	AbortCapacity
	// AbortConflict mirrors a real HTM conflict abort: the generation
	// counter changed during the attempt, meaning another thread's
	// commit raced with this one.
	AbortConflict
	// AbortFallbackInProgress is the distinguished code the driver
	// uses to jump straight to the middle path: the transaction body
	// observed a non-zero fallback counter and self-aborted rather
	// than risk seeing partially updated state from a non-transactional
	// writer (spec.md §4.4 step 5).
	AbortFallbackInProgress
)

// Transactor executes a body as a single all-or-nothing attempt.
type Transactor interface {
	// Try runs body. If body returns true the attempt is considered
	// successful and committed; if body returns false, or the
	// transactional emulation itself detects a conflict, Try reports
	// the attempt as aborted with a reason.
	Try(body func() bool) (committed bool, reason AbortReason)

	// Available reports whether this Transactor can actually attempt
	// transactions on the current host (false for NoopTransactor, or
	// for CPUTransactor on a CPU with no transactional-memory feature).
	Available() bool
}

// CPUTransactor emulates HTM via a software lock-elision discipline,
// gated on a real CPU feature bit so the emulation is only attempted
// on hardware that could plausibly run true HTM.
type CPUTransactor struct {
	elisionLock atomic.Bool
	generation  atomic.Uint64
	available   bool
}

// NewCPUTransactor probes golang.org/x/sys/cpu for a transactional
// memory feature bit.
func NewCPUTransactor() *CPUTransactor {
	return &CPUTransactor{available: hasHTMFeature()}
}

func hasHTMFeature() bool {
	return cpu.X86.HasRTM
}

// Available reports whether the host CPU advertises HTM.
func (t *CPUTransactor) Available() bool { return t.available }

// Try runs body under the elision discipline: it self-aborts with
// AbortConflict if the elision lock is already held by a fallback
// writer (see Elide/Unelide), otherwise runs body and commits iff the
// generation counter did not change underneath it.
func (t *CPUTransactor) Try(body func() bool) (committed bool, reason AbortReason) {
	if !t.available {
		return false, AbortCapacity
	}
	if t.elisionLock.Load() {
		return false, AbortConflict
	}
	genBefore := t.generation.Load()
	ok := body()
	if !ok {
		return false, AbortCapacity
	}
	if t.generation.Load() != genBefore {
		return false, AbortConflict
	}
	return true, AbortNone
}

// Elide acquires the software elision lock for a non-transactional
// (fallback) writer; any concurrent Try call observes the lock held
// and self-aborts instead of racing the writer.
func (t *CPUTransactor) Elide() {
	for !t.elisionLock.CompareAndSwap(false, true) {
	}
}

// Unelide releases the elision lock and bumps the generation counter
// so any transaction that ran concurrently (and did not observe the
// lock, due to a benign race on its very first read) still aborts.
func (t *CPUTransactor) Unelide() {
	t.generation.Add(1)
	t.elisionLock.Store(false)
}

// NoopTransactor always aborts immediately without running the body
// and reports itself unavailable, so a path3.Driver given it for a
// path skips that path.
type NoopTransactor struct{}

func (NoopTransactor) Try(func() bool) (bool, AbortReason) { return false, AbortCapacity }
func (NoopTransactor) Available() bool                     { return false }
