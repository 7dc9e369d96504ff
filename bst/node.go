// Package bst implements the unbalanced external binary search tree
// Dict variant: every real key lives at a leaf, internal nodes hold
// routing copies of the minimum key of their right subtree, and
// updates are expressed as single-node LLX/SCX calls against
// llxscx.Engine (spec.md §3-4, "the BST shape").
package bst

import (
	"sync/atomic"

	"github.com/yingfeng/conctree/descriptor"
	"github.com/yingfeng/conctree/llxscx"
)

// node[K, V] is both the internal-routing and leaf-data node shape:
// leaves have left == right == nil and hold a real key/value; internal
// nodes hold a routing key equal to the minimum key reachable through
// right, and nil value.
type node[K any, V any] struct {
	key   K
	value V

	left  atomic.Pointer[node[K, V]]
	right atomic.Pointer[node[K, V]]

	scxPtr atomic.Uint64 // descriptor.TagPtr
	marked atomic.Bool
}

func newLeaf[K any, V any](key K, value V, dummy descriptor.TagPtr) *node[K, V] {
	n := &node[K, V]{key: key, value: value}
	n.scxPtr.Store(uint64(dummy))
	return n
}

func newInternal[K any, V any](routingKey K, left, right *node[K, V], dummy descriptor.TagPtr) *node[K, V] {
	n := &node[K, V]{key: routingKey}
	n.scxPtr.Store(uint64(dummy))
	n.left.Store(left)
	n.right.Store(right)
	return n
}

func (n *node[K, V]) isLeaf() bool { return n.left.Load() == nil }

// SCXPtr, CASSCXPtr, Marked, SetMarked, IsLeaf satisfy llxscx.NodeOps.
func (n *node[K, V]) SCXPtr() descriptor.TagPtr { return descriptor.TagPtr(n.scxPtr.Load()) }

func (n *node[K, V]) CASSCXPtr(old, new descriptor.TagPtr) bool {
	return n.scxPtr.CompareAndSwap(uint64(old), uint64(new))
}

func (n *node[K, V]) Marked() bool { return n.marked.Load() }
func (n *node[K, V]) SetMarked()   { n.marked.Store(true) }
func (n *node[K, V]) IsLeaf() bool { return n.isLeaf() }

// childField adapts one atomic.Pointer[node[K,V]] child slot to
// llxscx.Field, the capability set the engine's commit CAS needs.
type childField[K any, V any] struct {
	slot *atomic.Pointer[node[K, V]]
}

func (f childField[K, V]) Load() llxscx.NodeOps {
	p := f.slot.Load()
	if p == nil {
		return nil
	}
	return p
}

func (f childField[K, V]) CompareAndSwap(old, new llxscx.NodeOps) bool {
	var op, np *node[K, V]
	if old != nil {
		op = old.(*node[K, V])
	}
	if new != nil {
		np = new.(*node[K, V])
	}
	return f.slot.CompareAndSwap(op, np)
}

func nodeOps[K any, V any](n *node[K, V]) llxscx.NodeOps {
	if n == nil {
		return nil
	}
	return n
}
