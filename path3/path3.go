// Package path3 implements the three-path update driver: it wraps an
// update function in a retry loop that selects a fast-HTM, middle-HTM,
// or non-transactional fallback attempt, coordinating a shared
// fallback-in-progress counter so HTM attempts abort rather than race
// a slow-path writer (spec.md §4.4).
package path3

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/yingfeng/conctree/htm"
)

// Path identifies which of the three strategies is currently being
// attempted.
type Path int

const (
	PathFast Path = iota
	PathMiddle
	PathFallback
)

func (p Path) String() string {
	switch p {
	case PathFast:
		return "fast"
	case PathMiddle:
		return "middle"
	default:
		return "fallback"
	}
}

// Config is the per-Driver retry policy, exposed by the conctree
// facade as construction-time Options (spec.md §6).
type Config struct {
	// MaxFastRetries is the attempt budget for the fast path before
	// falling through to middle. Negative disables the fast path.
	MaxFastRetries int
	// MaxSlowRetries is the attempt budget for the middle path before
	// falling through to fallback. Negative disables the middle path.
	MaxSlowRetries int
}

// Update bundles the three flavors of one logical update, per
// spec.md §4.4: Fast is run through the fast Transactor's Try, Middle
// through the middle Transactor's Try, and Fallback directly, with no
// Transactor; Fallback must itself be lock-free and is looped until it
// succeeds. The Driver does not look at what each body does; the bst,
// abtree and bslack variants pass the same LLX/SCX attempt as all three.
type Update struct {
	Fast     func() bool
	Middle   func() bool
	Fallback func() bool
}

// Driver runs Updates under the three-path protocol for one Dict.
type Driver struct {
	cfg         Config
	fast        htm.Transactor
	middle      htm.Transactor
	numFallback atomic.Int64
	log         *logrus.Entry
}

// NewDriver creates a Driver. fast and middle may be the same
// Transactor, htm.NoopTransactor{} to force a path to always abort (so
// the retry budget for it is irrelevant), or distinct CPUTransactors
// if fast and middle attempts should not contend with each other's
// elision lock.
func NewDriver(cfg Config, fast, middle htm.Transactor, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{cfg: cfg, fast: fast, middle: middle, log: log}
}

// NumFallback reports how many threads are currently on the fallback
// path for this Driver. Fast-path transactions consult this before
// every attempt; it is zero in the overwhelmingly common case.
func (d *Driver) NumFallback() int64 { return d.numFallback.Load() }

func (d *Driver) initialPath() Path {
	switch {
	case d.cfg.MaxFastRetries >= 0 && d.fast.Available():
		return PathFast
	case d.cfg.MaxSlowRetries >= 0 && d.middle.Available():
		return PathMiddle
	default:
		return PathFallback
	}
}

// Run drives update to completion. It does not return until the
// update has linearized (or, in principle, the calling thread is
// killed by the OS — there is no timeout or cancellation inside the
// core, per spec.md §5).
func (d *Driver) Run(update Update) {
	path := d.initialPath()
	attempts := 0
	fallbackCounted := false

	defer func() {
		if fallbackCounted {
			d.numFallback.Add(-1)
		}
	}()

	for {
		switch path {
		case PathFast:
			if d.numFallback.Load() != 0 {
				// A fallback writer might have left partially-updated
				// state visible to a pure-HTM reader; jump straight to
				// middle rather than risk observing it (spec.md step 5).
				path = PathMiddle
				attempts = 0
				continue
			}
			if committed, _ := d.fast.Try(update.Fast); committed {
				return
			}
			attempts++
			if attempts > d.cfg.MaxFastRetries {
				d.log.Debug("path3: fast path exhausted, falling to middle")
				path = PathMiddle
				attempts = 0
			}

		case PathMiddle:
			if d.cfg.MaxSlowRetries < 0 || !d.middle.Available() {
				path = PathFallback
				continue
			}
			if committed, _ := d.middle.Try(update.Middle); committed {
				return
			}
			attempts++
			if attempts > d.cfg.MaxSlowRetries {
				d.log.Debug("path3: middle path exhausted, falling to fallback")
				path = PathFallback
			}

		case PathFallback:
			if !fallbackCounted {
				d.numFallback.Add(1)
				fallbackCounted = true
			}
			if update.Fallback() {
				return
			}
			// Lock-free by construction (§4.3); loop until it commits.
		}
	}
}
