package llxscx

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/yingfeng/conctree/descriptor"
)

// ErrFail is returned by LLX/Validate when the node's scx_ptr changed
// or was already taken by another descriptor between the initial read
// and the validation read: a retry-internal condition, never surfaced
// past the tree variant that issued the LLX.
var ErrFail = errors.New("llxscx: validation failed, restart from a higher search anchor")

// ErrFinalized is returned when the node has already been marked by a
// committed SCX. The caller hands responsibility for any pending work
// at this node to whichever thread finalized it.
var ErrFinalized = errors.New("llxscx: node finalized")

// Engine drives LLX and SCX for one Dict using the "reuse" descriptor
// variant: one descriptor slot per thread, addressed by a versioned
// tag pointer, never explicitly retired (spec.md §4.3's "Descriptor
// retirement" reuse variant — stale readers are fenced by the sequence
// number instead).
type Engine struct {
	store *descriptor.Store[Desc]
	log   *logrus.Entry
	stats Stats
}

// NewEngine creates an Engine with one descriptor slot per thread.
func NewEngine(numThreads int, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		store: descriptor.NewStore[Desc](numThreads),
		log:   log,
	}
}

// Dummy returns the tag pointer of the immortal committed sentinel
// descriptor, the initial scx_ptr of every freshly allocated node.
func (e *Engine) Dummy() descriptor.TagPtr { return e.store.Dummy() }

// Stats reports cumulative SCX outcome counters for diagnostics.
func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Begin is the first half of LLX: it observes the node's current
// scx_ptr, optionally helps if a descriptor is InProgress there, and
// fails fast if the node is already finalized. The caller reads the
// node's mutable fields after Begin returns and before calling
// Validate, matching spec.md's ordering requirement that the read of
// mutable fields not reorder around the two scx_ptr reads.
func (e *Engine) Begin(n NodeOps) (descriptor.TagPtr, error) {
	if n.Marked() {
		return 0, ErrFinalized
	}
	r := n.SCXPtr()
	if st, ok := e.store.State(r); ok && st == descriptor.InProgress {
		e.help(r) // optional helping; ignore the outcome either way
	}
	if n.Marked() {
		return 0, ErrFinalized
	}
	return r, nil
}

// Validate is the second half of LLX: it rereads scx_ptr and confirms
// it still matches what Begin observed, completing a consistent
// snapshot of the node.
func (e *Engine) Validate(n NodeOps, r descriptor.TagPtr) error {
	if n.Marked() {
		return ErrFinalized
	}
	if n.SCXPtr() != r {
		return ErrFail
	}
	return nil
}

// LLX is the single-call convenience form of Begin+Validate for
// callers that read no mutable fields in between (e.g. a plain
// existence check, or helping code that only needs the scx_ptr
// snapshot).
func (e *Engine) LLX(n NodeOps) (descriptor.TagPtr, error) {
	r, err := e.Begin(n)
	if err != nil {
		return 0, err
	}
	return r, e.Validate(n, r)
}

// SCX attempts the multi-node update described by info on behalf of
// thread tid, returning true iff it committed. See spec.md §4.3 for
// the full precondition contract the caller must satisfy.
func (e *Engine) SCX(tid int, info Info) bool {
	tp, seq := e.store.New(tid)
	*e.store.Body(tid) = Desc{
		OwnerTid:       tid,
		Seq:            seq,
		Nodes:          info.Nodes,
		ScxRecordsSeen: info.ScxRecordsSeen,
		NFreeze:        info.NFreeze,
		NNodes:         len(info.Nodes),
		Field:          info.Field,
		NewNode:        info.NewNode,
	}
	e.stats.attempts.Add(1)
	ok := e.help(tp)
	if ok {
		e.stats.commits.Add(1)
	} else {
		e.stats.aborts.Add(1)
	}
	return ok
}

// help runs (or re-runs, as a helper) the freeze/mark/commit protocol
// for the descriptor tp names. Any thread that observes state
// InProgress on a descriptor may call this; it is what makes the
// algorithm lock-free instead of merely obstruction-free.
func (e *Engine) help(tp descriptor.TagPtr) bool {
	if tp.IsDummy() {
		return true
	}
	d, ok := e.store.Snapshot(tp)
	if !ok {
		// The owner has already moved on to a new operation; some
		// other reader will have seen a terminal state before this
		// happened, or the descriptor never became reachable.
		return false
	}
	switch st, ok := e.store.State(tp); {
	case !ok:
		return false
	case st == descriptor.Committed:
		return true
	case st == descriptor.Aborted:
		return false
	}

	result, atIndex, flags := e.freezeLoop(tp, &d)
	switch result {
	case freezeAbort:
		e.store.TransitionToAborted(d.OwnerTid, d.Seq, atIndex, flags)
		e.log.WithFields(logrus.Fields{
			"tid":   d.OwnerTid,
			"index": atIndex,
		}).Debug("llxscx: scx aborted")
		return false
	default: // freezeOK or freezeAllFrozenByHelper
		e.store.SetAllFrozen(d.OwnerTid, d.Seq)
		for i := 1; i < d.NFreeze; i++ {
			if !d.Nodes[i].IsLeaf() {
				d.Nodes[i].SetMarked()
			}
		}
		d.Field.CompareAndSwap(d.Nodes[1], d.NewNode)
		e.store.TransitionToCommitted(d.OwnerTid, d.Seq)
		return true
	}
}

type freezeResult int

const (
	freezeOK freezeResult = iota
	freezeAllFrozenByHelper
	freezeAbort
)

// freezeLoop performs step 1 of the SCX protocol (spec.md §4.3):
// CAS every freeze-eligible node's scx_ptr from its observed SCX
// record to tp, in order; help publishes allFrozen afterwards. It
// returns the outcome, the index reached, and a bitmap of which
// indices this call (or a prior helper, as observed by
// already-equals-tp) have frozen, used to build the
// Aborted(index, flags) state. ThrowawayEngine has its own freeze loop
// and does not call this one.
func (e *Engine) freezeLoop(tp descriptor.TagPtr, d *Desc) (result freezeResult, atIndex int, flags uint32) {
	for i := 0; i < d.NFreeze; i++ {
		node := d.Nodes[i]
		if node.IsLeaf() {
			continue
		}
		want := d.ScxRecordsSeen[i]
		for {
			cur := node.SCXPtr()
			if cur == tp {
				flags |= 1 << uint(i)
				break
			}
			if cur != want {
				if frozen, ok := e.store.AllFrozen(tp); ok && frozen {
					return freezeAllFrozenByHelper, i, flags
				}
				return freezeAbort, i, flags
			}
			if node.CASSCXPtr(cur, tp) {
				flags |= 1 << uint(i)
				break
			}
			// lost the CAS race to a concurrent helper; reread and retry this index
		}
	}
	return freezeOK, d.NFreeze, flags
}

