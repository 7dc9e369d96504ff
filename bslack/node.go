// Package bslack implements a B-slack tree Dict variant: like abtree,
// but each node tolerates a configurable occupancy band [lo, hi]
// instead of a fixed branching factor, trading average degree for
// fewer rebalancing operations (spec.md's allow_extra_slack). The
// specific six B-slack rebalancing transformations are out of scope
// (spec.md only specifies the LLX/SCX contract an update function must
// satisfy); this package implements single-level split/join against
// that contract, sharing the same node-shape polymorphism llxscx
// exposes to bst and abtree.
package bslack

import (
	"sync/atomic"

	"github.com/yingfeng/conctree/descriptor"
	"github.com/yingfeng/conctree/llxscx"
)

type node[K any, V any] struct {
	leaf bool

	keys     []K
	values   []V
	children []atomic.Pointer[node[K, V]]

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

func childSlot[K any, V any](parent *node[K, V], child *node[K, V]) (llxscx.Field, bool) {
	for i := range parent.children {
		if parent.children[i].Load() == child {
			return childField[K, V]{slot: &parent.children[i]}, true
		}
	}
	return nil, false
}
