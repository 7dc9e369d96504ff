// Package llxscx implements the LLX/SCX synchronization primitive: a
// multi-word, non-blocking compare-and-swap-like operation that
// atomically freezes, finalizes, and updates a small connected subgraph
// of tree nodes.
//
// The package is polymorphic over node shape via the NodeOps and Field
// capability-set interfaces (spec.md's "polymorphism over node
// shapes"), so the bst, abtree, and bslack packages share this single
// implementation instead of each hand-rolling their own freeze/mark/
// commit protocol.
package llxscx

import "github.com/yingfeng/conctree/descriptor"

// NodeOps is the capability set LLX/SCX needs from a tree node,
// regardless of whether that node is a single-key BST node or a
// degree-D (a,b)-tree/B-slack node.
type NodeOps interface {
	// SCXPtr returns the tag pointer to the descriptor that most
	// recently operated on this node (or the dummy sentinel).
	SCXPtr() descriptor.TagPtr

	// CASSCXPtr atomically swings the node's scx_ptr from old to new,
	// reporting whether the CAS succeeded.
	CASSCXPtr(old, new descriptor.TagPtr) bool

	// Marked reports whether the node has been finalized. Once true
	// it never becomes false again.
	Marked() bool

	// SetMarked finalizes the node. Idempotent.
	SetMarked()

	// IsLeaf reports whether the node is a leaf. Leaves are never
	// frozen or marked by SCX (spec.md's open question is resolved in
	// favor of "leaves are never frozen").
	IsLeaf() bool
}

// Field is the single child-pointer field of nodes[0] that an SCX's
// commit CAS swings from the old subtree root to the new one.
type Field interface {
	// CompareAndSwap atomically swings the field from old to new,
	// reporting whether the CAS succeeded. A caller observing it
	// already holds new (because a helper beat it there) should treat
	// that as success too.
	CompareAndSwap(old, new NodeOps) bool

	// Load returns the field's current value.
	Load() NodeOps
}
