package conctree

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/yingfeng/conctree/epoch"
)

type config struct {
	maxFastRetries  int
	maxSlowRetries  int
	slackLo         int
	slackHi         int
	allowExtraSlack bool
	log             *logrus.Entry
	epochOptions    []epoch.Option
	crashSignal     os.Signal
}

// Option configures a Dict at construction time (spec.md §6); there is
// no loaded config file format, matching the source's construction-
// time-only configuration.
type Option func(*config)

func newConfig(numThreads int, opts ...Option) *config {
	cfg := &config{
		maxFastRetries: 10,
		maxSlowRetries: 10,
		slackLo:        2,
		slackHi:        8,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.epochOptions = append(cfg.epochOptions, epoch.WithLogger(cfg.log))
	return cfg
}

// WithMaxFastRetries sets the attempt budget for the HTM fast path
// before falling through to middle. A negative value disables the
// fast path entirely.
func WithMaxFastRetries(n int) Option {
	return func(c *config) { c.maxFastRetries = n }
}

// WithMaxSlowRetries sets the attempt budget for the HTM middle path
// before falling through to the non-transactional fallback. A
// negative value disables the middle path entirely.
func WithMaxSlowRetries(n int) Option {
	return func(c *config) { c.maxSlowRetries = n }
}

// WithSlack sets the occupancy band [lo, hi] a B-slack tree's nodes
// tolerate before splitting or merging. It has no effect on NewBST or
// NewABTree.
func WithSlack(lo, hi int) Option {
	return func(c *config) { c.slackLo, c.slackHi = lo, hi }
}

// WithAllowExtraSlack picks which end of a B-slack tree's occupancy
// band this implementation targets before splitting a leaf: true
// tolerates leaves up to the band's high end (fewer, costlier
// rebalances); false keeps leaves near the band's low end (more
// frequent, cheaper ones). It has no effect on NewBST or NewABTree.
// The source leaves the USE_SIMPLIFIED_ABTREE_REBALANCING preference
// undecided; this implementation defaults to false (see DESIGN.md).
func WithAllowExtraSlack(allow bool) Option {
	return func(c *config) { c.allowExtraSlack = allow }
}

// WithLogger attaches a structured logger used for retry/helping
// diagnostics across the SCX engine and epoch manager. A nil logger
// is ignored.
func WithLogger(log *logrus.Entry) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithCrashSignal registers a recovery hook modeled on the source's
// suspectedCrashSignal constructor parameter: on receipt of sig, every
// worker thread 0..numThreads-1 is forcibly marked quiescent so a
// thread that died mid-operation cannot stall reclamation for the
// rest of the fleet forever.
func WithCrashSignal(sig os.Signal) Option {
	return func(c *config) { c.crashSignal = sig }
}

// forceQuiescer is implemented by every tree variant's Tree type,
// letting WithCrashSignal reach the real epoch.Manager a Dict was
// built with rather than standing up a disconnected one of its own.
type forceQuiescer interface {
	ForceQuiescent(tid int)
}

func maybeWatchCrashSignal(cfg *config, numThreads int, d any) {
	if cfg.crashSignal == nil {
		return
	}
	fq, ok := d.(forceQuiescer)
	if !ok {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, cfg.crashSignal)
	go func() {
		for range ch {
			for tid := 0; tid < numThreads; tid++ {
				fq.ForceQuiescent(tid)
			}
			cfg.log.Warn("conctree: crash signal received, forced all threads quiescent")
		}
	}()
}
