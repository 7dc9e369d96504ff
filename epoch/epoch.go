// Package epoch implements DEBRA-style epoch-based reclamation: each
// worker thread tracks whether it is "active" (mid traversal, holding
// pointers into the tree) or "quiescent" (between operations), and a
// retired object is only actually freed once every thread has passed
// through a quiescent state after the object's retirement epoch.
//
// This interlocks with the llxscx and descriptor packages: a node or
// descriptor becomes unreachable the instant a committing SCX swings
// the last pointer to it, but it is only safe to reuse its memory once
// no thread could still be mid-LLX on it.
package epoch

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// numBags is the number of limbo bags kept per thread, one per recent
// epoch generation; an object retired in epoch e sits in bag e%numBags
// until the global epoch has advanced far enough that every bag but
// the freshest two is provably unreachable.
const numBags = 3

// activeBit marks a thread's local epoch as "active" (mid-operation)
// rather than quiescent.
const activeBit = 1

// Record is one thread's epoch-tracking state. It must not be copied
// after first use.
type Record struct {
	localEpoch atomic.Uint64
	opCount    uint64
	limbo      [numBags][]any

	attempts atomic.Int64
	reclaims atomic.Int64
}

// Manager owns the shared epoch counter and the per-thread records
// that track progress against it.
type Manager struct {
	globalEpoch atomic.Uint64
	records     []Record
	advanceK    uint64
	log         *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithAdvanceInterval sets how many LeaveQuiescent calls a thread makes
// between attempts to advance the global epoch. The source advances
// "every K operations"; K defaults to 64.
func WithAdvanceInterval(k uint64) Option {
	return func(m *Manager) {
		if k > 0 {
			m.advanceK = k
		}
	}
}

// WithLogger attaches a structured logger used for reclamation
// diagnostics (how many objects each reclaim sweep drops). A nil
// logger is replaced by the standard logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager for numThreads worker threads, all
// initially quiescent.
func NewManager(numThreads int, opts ...Option) *Manager {
	m := &Manager{
		records:  make([]Record, numThreads),
		advanceK: 64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return m
}

// LeaveQuiescent marks thread tid as active, starting a new logical
// operation. Every pointer the thread follows into the tree must be
// followed between a LeaveQuiescent and the matching EnterQuiescent.
func (m *Manager) LeaveQuiescent(tid int) {
	r := &m.records[tid]
	e := m.globalEpoch.Load()
	r.localEpoch.Store(e | activeBit)

	r.opCount++
	if r.opCount%m.advanceK == 0 {
		m.tryAdvance(tid)
	}
}

// EnterQuiescent marks thread tid as holding no pointers into the
// tree. Must be called at the end of every operation, and before any
// blocking or yielding point.
func (m *Manager) EnterQuiescent(tid int) {
	r := &m.records[tid]
	r.localEpoch.Store(m.globalEpoch.Load() &^ activeBit)
}

// tryAdvance bumps the global epoch if every active thread has already
// observed it, then reclaims the limbo bag that is now provably
// unreachable. Failing to advance is never a correctness problem, only
// a delay in reclamation.
func (m *Manager) tryAdvance(tid int) {
	cur := m.globalEpoch.Load()
	for i := range m.records {
		if i == tid {
			continue
		}
		e := m.records[i].localEpoch.Load()
		active := e&activeBit != 0
		if active && e&^activeBit != cur {
			return // some thread is still working in an older epoch
		}
	}
	if !m.globalEpoch.CompareAndSwap(cur, cur+1) {
		return // another thread already advanced it
	}
	m.records[tid].reclaims.Add(1)
	m.reclaim(tid, cur)
}

// reclaim frees the limbo bag that is two generations behind the new
// epoch: anything retired there was made unreachable before any thread
// still active today could have been holding a pointer to it, because
// tryAdvance just confirmed every active thread has caught up to cur.
func (m *Manager) reclaim(tid int, newlyPassedEpoch uint64) {
	bag := (newlyPassedEpoch + 2) % numBags
	r := &m.records[tid]
	dropped := len(r.limbo[bag])
	r.limbo[bag] = r.limbo[bag][:0]
	if dropped > 0 && m.log != nil {
		m.log.WithFields(logrus.Fields{
			"tid":   tid,
			"epoch": newlyPassedEpoch,
			"freed": dropped,
		}).Debug("epoch: reclaimed limbo bag")
	}
}

// Retire places obj into thread tid's current-epoch limbo bag. The
// caller must have already made obj unreachable via the last pointer
// change (e.g. the commit CAS that removed the node, or the freeze CAS
// that replaced its descriptor).
func (m *Manager) Retire(tid int, obj any) {
	r := &m.records[tid]
	bag := m.globalEpoch.Load() % numBags
	r.limbo[bag] = append(r.limbo[bag], obj)
}

// ForceQuiescent marks thread tid quiescent regardless of what it was
// last doing, for use by a crash/neutralize recovery hook: a thread
// that has died mid-operation would otherwise pin its local epoch
// forever and stall every other thread's reclamation (DEBRA's
// "neutralize" mechanism in the source material).
func (m *Manager) ForceQuiescent(tid int) {
	r := &m.records[tid]
	r.localEpoch.Store(m.globalEpoch.Load() &^ activeBit)
}

// ShouldHelp is an advisory signal that reclamation pressure is high
// enough that the caller might want to prioritize helping in-progress
// SCXs (which shortens the window nodes stay live) over starting new
// ones. It is never required for correctness.
func (m *Manager) ShouldHelp(tid int) bool {
	r := &m.records[tid]
	total := 0
	for _, bag := range r.limbo {
		total += len(bag)
	}
	return total > 4096
}

// Stats reports how many times thread tid has advanced the global
// epoch (each advance also sweeps one of tid's limbo bags), for
// diagnostics.
func (m *Manager) Stats(tid int) (reclaims int64) {
	return m.records[tid].reclaims.Load()
}
