// Package abtree implements a (a,b)-tree Dict variant: internal nodes
// hold between a and b children (transient overflow tolerated, see
// DESIGN.md), leaves hold up to b-1 keys directly. Every update is
// copy-on-write — a node's keys/children are fixed at construction,
// and only a single ancestor's child-pointer field is ever CASed — so
// the same llxscx.Engine and path3.Driver the bst package uses serve
// this shape unmodified (spec.md's "polymorphism over node shapes").
package abtree

import (
	"sync/atomic"

	"github.com/yingfeng/conctree/descriptor"
	"github.com/yingfeng/conctree/llxscx"
)

// node is either an internal routing node (leaf == false, keys holds
// len(children)-1 routing keys) or a leaf (leaf == true, keys/values
// are parallel arrays of the real entries it stores).
type node[K any, V any] struct {
	leaf bool

	keys     []K
	values   []V                        // leaf only
	children []atomic.Pointer[node[K, V]] // internal only, len(children) == len(keys)+1

	scxPtr atomic.Uint64
	marked atomic.Bool
}

func newLeafNode[K any, V any](keys []K, values []V, dummy descriptor.TagPtr) *node[K, V] {
	n := &node[K, V]{leaf: true, keys: keys, values: values}
	n.scxPtr.Store(uint64(dummy))
	return n
}

func newInternalNode[K any, V any](keys []K, children []*node[K, V], dummy descriptor.TagPtr) *node[K, V] {
	n := &node[K, V]{leaf: false, keys: keys, children: make([]atomic.Pointer[node[K, V]], len(children))}
	n.scxPtr.Store(uint64(dummy))
	for i, c := range children {
		n.children[i].Store(c)
	}
	return n
}

func (n *node[K, V]) SCXPtr() descriptor.TagPtr { return descriptor.TagPtr(n.scxPtr.Load()) }

func (n *node[K, V]) CASSCXPtr(old, new descriptor.TagPtr) bool {
	return n.scxPtr.CompareAndSwap(uint64(old), uint64(new))
}

func (n *node[K, V]) Marked() bool { return n.marked.Load() }
func (n *node[K, V]) SetMarked()   { n.marked.Store(true) }
func (n *node[K, V]) IsLeaf() bool { return n.leaf }

// childField adapts one child slot of an internal node to llxscx.Field.
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

// childSlot returns the field naming child within parent, and whether
// it was found — a race between the search and the LLX that follows it
// can mean child has already moved by the time we ask.
func childSlot[K any, V any](parent *node[K, V], child *node[K, V]) (llxscx.Field, bool) {
	for i := range parent.children {
		if parent.children[i].Load() == child {
			return childField[K, V]{slot: &parent.children[i]}, true
		}
	}
	return nil, false
}
