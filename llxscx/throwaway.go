package llxscx

import (
	"sync/atomic"

	"github.com/yingfeng/conctree/descriptor"
	"github.com/yingfeng/conctree/epoch"
)

// ThrowawayDesc is a heap-allocated SCX descriptor for the throwaway
// variant: unlike Engine's single reused slot per thread, one of these
// is allocated per SCX attempt and reclaimed through epoch-based
// reclamation once no node's scx_ptr refers to it any more. This
// mirrors the source's bst_throwaway/bslack_throwaway descriptors as
// opposed to the reuse variant Engine implements.
type ThrowawayDesc struct {
	state      atomic.Int32 // descriptor.State
	allFrozen  atomic.Bool
	refCount   atomic.Int32 // number of scx_ptr fields currently pointing here
	abortIndex int
	abortFlags uint32

	Nodes          []NodeOps
	ScxRecordsSeen []*ThrowawayDesc
	NFreeze        int
	Field          ThrowawayField
	NewNode        NodeOps
}

// ThrowawayNodeOps is the capability set for a node whose scx_ptr
// holds a raw *ThrowawayDesc instead of a tag pointer — there is no
// slot to reuse, so no sequence number is needed, only a direct
// pointer CAS and epoch-safe retirement of the pointee.
type ThrowawayNodeOps interface {
	TScxPtr() *ThrowawayDesc
	TCASScxPtr(old, new *ThrowawayDesc) bool
	Marked() bool
	SetMarked()
	IsLeaf() bool
}

// ThrowawayField is the commit-target field for the throwaway variant.
type ThrowawayField interface {
	Load() NodeOps
	CompareAndSwap(old, new NodeOps) bool
}

// ThrowawayEngine drives LLX/SCX using freshly allocated descriptors,
// retired through epoch once their reference count hits zero.
type ThrowawayEngine struct {
	epoch *epoch.Manager
	pool  *epoch.Pool[ThrowawayDesc]
	dummy *ThrowawayDesc
}

// NewThrowawayEngine creates a ThrowawayEngine backed by mgr for
// deferred reclamation of retired descriptors.
func NewThrowawayEngine(mgr *epoch.Manager) *ThrowawayEngine {
	dummy := &ThrowawayDesc{}
	dummy.state.Store(int32(descriptor.Committed))
	dummy.allFrozen.Store(true)
	dummy.refCount.Store(1) // never reaches zero; never retired

	return &ThrowawayEngine{
		epoch: mgr,
		pool:  epoch.NewPool(func() *ThrowawayDesc { return new(ThrowawayDesc) }),
		dummy: dummy,
	}
}

// Dummy returns the immortal committed sentinel descriptor.
func (e *ThrowawayEngine) Dummy() *ThrowawayDesc { return e.dummy }

// SCX attempts the update described by d, which the caller has already
// populated (Nodes, ScxRecordsSeen, NFreeze, Field, NewNode) and given
// state InProgress, refCount 1 (for the eventual anchor pointer... in
// this variant the descriptor itself, not a tag pointer, is what gets
// installed into scx_ptr fields, so its refcount tracks how many
// scx_ptr fields currently name it).
func (e *ThrowawayEngine) SCX(tid int, d *ThrowawayDesc) bool {
	for i := 0; i < d.NFreeze; i++ {
		node, ok := d.Nodes[i].(ThrowawayNodeOps)
		if !ok || node.IsLeaf() {
			continue
		}
		want := d.ScxRecordsSeen[i]
		for {
			cur := node.TScxPtr()
			if cur == d {
				break
			}
			if cur != want {
				if d.allFrozen.Load() {
					goto publish
				}
				d.abortIndex = i
				d.state.CompareAndSwap(int32(descriptor.InProgress), int32(descriptor.Aborted))
				e.unwindPartialFreeze(tid, d, i)
				return false
			}
			if node.TCASScxPtr(cur, d) {
				d.refCount.Add(1)
				e.retireIfUnreferenced(tid, want)
				break
			}
		}
	}

publish:
	d.allFrozen.Store(true)
	for i := 1; i < d.NFreeze; i++ {
		if !d.Nodes[i].IsLeaf() {
			d.Nodes[i].SetMarked()
		}
	}
	d.Field.CompareAndSwap(d.Nodes[1], d.NewNode)
	d.state.CompareAndSwap(int32(descriptor.InProgress), int32(descriptor.Committed))
	e.retireIfUnreferenced(tid, d)
	return true
}

// unwindPartialFreeze records in d.abortFlags which indices before the
// failed one still have their scx_ptr naming d, then releases the
// attempt's own hold on d. It does not reset any scx_ptr: each of
// those nodes keeps naming d (and holding a reference on it) until a
// later freezing CAS replaces it and calls retireIfUnreferenced.
func (e *ThrowawayEngine) unwindPartialFreeze(tid int, d *ThrowawayDesc, failedAt int) {
	for i := 0; i < failedAt; i++ {
		node, ok := d.Nodes[i].(ThrowawayNodeOps)
		if !ok || node.IsLeaf() {
			continue
		}
		if node.TScxPtr() == d {
			d.abortFlags |= 1 << uint(i)
		}
	}
	e.retireIfUnreferenced(tid, d)
}

// retireIfUnreferenced decrements the reference count a freezing CAS
// implicitly transferred away from the old descriptor at a node, and
// hands it to the epoch manager once nothing points to it any more.
// The dummy descriptor's refcount never reaches zero, so it is never
// retired.
func (e *ThrowawayEngine) retireIfUnreferenced(tid int, d *ThrowawayDesc) {
	if d == e.dummy {
		return
	}
	if d.refCount.Add(-1) == 0 {
		e.epoch.Retire(tid, d)
	}
}
