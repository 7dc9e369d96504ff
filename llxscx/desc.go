package llxscx

import "github.com/yingfeng/conctree/descriptor"

// Desc is the body of an SCX descriptor: everything about a single
// multi-node update except the lifecycle state itself, which the
// descriptor store tracks in its packed mutables word (see
// descriptor.Store).
//
// Desc is stored by value in a descriptor.Store[Desc] slot, so every
// field here must be safe to read concurrently with the owning
// thread's next write — which holds because the owner only writes
// these fields before the descriptor is published (CASed into some
// node's scx_ptr), and Store.Snapshot rechecks the sequence number
// after copying.
type Desc struct {
	// OwnerTid and Seq identify which slot and which incarnation of
	// that slot this Desc belongs to, so helpers that only have a
	// Desc value (from Snapshot) can still drive state transitions.
	OwnerTid int
	Seq      uint64

	// Nodes holds nodes[0..NNodes): nodes[0] is the anchor whose
	// Field is the commit target; nodes[1] is the old subtree root
	// being replaced; nodes[1..NFreeze) are exactly the internal
	// nodes that must be frozen and marked.
	Nodes []NodeOps

	// ScxRecordsSeen[i] is the scx_ptr LLX observed on Nodes[i] for
	// i < NFreeze: the value the freeze loop's CAS expects to still
	// find there.
	ScxRecordsSeen []descriptor.TagPtr

	// NFreeze is how many of Nodes must be frozen (and, for i >= 1,
	// marked). NFreeze <= NNodes; leaves among Nodes[0:NFreeze] are
	// skipped by the freeze/mark loops since they are immutable.
	NFreeze int
	NNodes  int

	// Field is nodes[0]'s child-pointer field the commit CAS swings.
	Field Field

	// NewNode is the replacement subtree root installed into Field.
	NewNode NodeOps
}

// Info is the caller-facing argument to Engine.SCX: everything the
// caller (an insert/erase/rebalance step in bst, abtree, or bslack)
// must supply, per spec.md's SCX(info) contract.
type Info struct {
	Nodes          []NodeOps
	ScxRecordsSeen []descriptor.TagPtr
	NFreeze        int
	Field          Field
	NewNode        NodeOps
}
