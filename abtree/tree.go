package abtree

import (
	"cmp"

	"github.com/sirupsen/logrus"

	"github.com/yingfeng/conctree/descriptor"
	"github.com/yingfeng/conctree/epoch"
	"github.com/yingfeng/conctree/htm"
	"github.com/yingfeng/conctree/llxscx"
	"github.com/yingfeng/conctree/path3"
	"github.com/yingfeng/conctree/record"
)

// Config bundles the construction-time knobs NewABTree's Option slice
// sets (spec.md §6), plus the branching-factor pair a single-level
// (a,b)-tree implementation reads at every split/join decision.
type Config struct {
	NumThreads     int
	MaxFastRetries int
	MaxSlowRetries int
	A, B           int // children bounds for an internal node; B-1 is a leaf's max key count
	Log            *logrus.Entry
	EpochOptions   []epoch.Option
}

// Tree is the (a,b)-tree Dict variant. superRoot is a permanent
// 1-child anchor, the same device bst uses to give the topmost real
// node a parent whose field can be frozen and swung — including when
// the real root itself must split or collapse.
type Tree[K cmp.Ordered, V any] struct {
	superRoot *node[K, V]
	a, b      int

	engine   *llxscx.Engine
	epochMgr *epoch.Manager
	pool     *epoch.Pool[node[K, V]]
	driver   *path3.Driver
	log      *logrus.Entry
}

// New builds an empty (a,b)-tree with branching bounds [a, b].
func New[K cmp.Ordered, V any](cfg Config) *Tree[K, V] {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.A < 2 {
		cfg.A = 2
	}
	if cfg.B < 2*cfg.A {
		cfg.B = 2 * cfg.A
	}

	engine := llxscx.NewEngine(cfg.NumThreads, cfg.Log)
	mgr := epoch.NewManager(cfg.NumThreads, cfg.EpochOptions...)
	driver := path3.NewDriver(path3.Config{
		MaxFastRetries: cfg.MaxFastRetries,
		MaxSlowRetries: cfg.MaxSlowRetries,
	}, htm.NewCPUTransactor(), htm.NewCPUTransactor(), cfg.Log)

	dummy := engine.Dummy()
	emptyLeaf := newLeafNode[K, V](nil, nil, dummy)
	superRoot := newInternalNode[K, V](nil, []*node[K, V]{emptyLeaf}, dummy)

	return &Tree[K, V]{
		superRoot: superRoot,
		a:         cfg.A,
		b:         cfg.B,
		engine:    engine,
		epochMgr:  mgr,
		pool:      epoch.NewPool(func() *node[K, V] { return new(node[K, V]) }),
		driver:    driver,
		log:       cfg.Log,
	}
}

func (t *Tree[K, V]) InitThread(tid int)   {}
func (t *Tree[K, V]) DeinitThread(tid int) {}

func (t *Tree[K, V]) less(a, b K) bool     { return cmp.Less(a, b) }
func (t *Tree[K, V]) keyEqual(a, b K) bool { return cmp.Compare(a, b) == 0 }

func (t *Tree[K, V]) maxLeafKeys() int { return t.b - 1 }

// childIndex returns which child of n a search for key should follow.
func (t *Tree[K, V]) childIndex(n *node[K, V], key K) int {
	for i, rk := range n.keys {
		if t.less(key, rk) {
			return i
		}
	}
	return len(n.children) - 1
}

func (t *Tree[K, V]) findKeyInLeaf(n *node[K, V], key K) (int, bool) {
	for i, k := range n.keys {
		if t.keyEqual(k, key) {
			return i, true
		}
	}
	return -1, false
}

// searchPath walks from superRoot to the leaf that would hold key,
// collecting every node visited along the way; path[0] is always
// superRoot, path[len-1] is always the leaf.
func (t *Tree[K, V]) searchPath(key K) []*node[K, V] {
	path := make([]*node[K, V], 0, 8)
	path = append(path, t.superRoot)
	n := t.superRoot.children[0].Load()
	path = append(path, n)
	for !n.leaf {
		n = n.children[t.childIndex(n, key)].Load()
		path = append(path, n)
	}
	return path
}

func (t *Tree[K, V]) searchLeaf(key K) *node[K, V] {
	n := t.superRoot.children[0].Load()
	for !n.leaf {
		n = n.children[t.childIndex(n, key)].Load()
	}
	return n
}

// retire hands node n to the epoch manager for deferred reclamation.
func (t *Tree[K, V]) retire(tid int, n *node[K, V]) {
	t.epochMgr.Retire(tid, n)
	t.pool.Release(n)
}

// Find returns the value stored at key, if any.
func (t *Tree[K, V]) Find(tid int, key K) (V, bool) {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	leaf := t.searchLeaf(key)
	if i, ok := t.findKeyInLeaf(leaf, key); ok {
		return leaf.values[i], true
	}
	var zero V
	return zero, false
}

type insertOutcome[V any] struct {
	old      V
	hadOld   bool
	inserted bool
}

func cloneLeafWithValue[K any, V any](leaf *node[K, V], idx int, value V, dummy descriptor.TagPtr) *node[K, V] {
	keys := append([]K(nil), leaf.keys...)
	values := append([]V(nil), leaf.values...)
	values[idx] = value
	return newLeafNode[K, V](keys, values, dummy)
}

func (t *Tree[K, V]) insertIntoLeaf(leaf *node[K, V], key K, value V, dummy descriptor.TagPtr) *node[K, V] {
	n := len(leaf.keys)
	keys := make([]K, n+1)
	values := make([]V, n+1)
	i := 0
	for i < n && t.less(leaf.keys[i], key) {
		keys[i] = leaf.keys[i]
		values[i] = leaf.values[i]
		i++
	}
	keys[i] = key
	values[i] = value
	copy(keys[i+1:], leaf.keys[i:])
	copy(values[i+1:], leaf.values[i:])
	return newLeafNode[K, V](keys, values, dummy)
}

// splitLeaf builds the two leaves and the routing key an overflowing
// insert produces: key/value is merged into leaf's entries before the
// split so the result always has exactly len(leaf.keys)+1 entries
// divided as evenly as the two halves allow.
func (t *Tree[K, V]) splitLeaf(leaf *node[K, V], key K, value V, dummy descriptor.TagPtr) (left, right *node[K, V], routingKey K) {
	full := t.insertIntoLeaf(leaf, key, value, dummy)
	mid := len(full.keys) / 2
	left = newLeafNode[K, V](append([]K(nil), full.keys[:mid]...), append([]V(nil), full.values[:mid]...), dummy)
	right = newLeafNode[K, V](append([]K(nil), full.keys[mid:]...), append([]V(nil), full.values[mid:]...), dummy)
	return left, right, right.keys[0]
}

// spliceChildSplit rebuilds parent with oldChild replaced by the pair
// (left, right) joined by routingKey. The result may exceed parent's
// configured branching factor b; see DESIGN.md for why this
// implementation does not cascade the split any further up the tree.
func spliceChildSplit[K any, V any](parent *node[K, V], oldChild, left, right *node[K, V], routingKey K, dummy descriptor.TagPtr) *node[K, V] {
	var at int
	for i := range parent.children {
		if parent.children[i].Load() == oldChild {
			at = i
			break
		}
	}

	newChildren := make([]*node[K, V], 0, len(parent.children)+1)
	newKeys := make([]K, 0, len(parent.keys)+1)
	for i := 0; i < at; i++ {
		newChildren = append(newChildren, parent.children[i].Load())
	}
	newChildren = append(newChildren, left, right)
	for i := at + 1; i < len(parent.children); i++ {
		newChildren = append(newChildren, parent.children[i].Load())
	}
	for i := 0; i < at; i++ {
		newKeys = append(newKeys, parent.keys[i])
	}
	newKeys = append(newKeys, routingKey)
	for i := at; i < len(parent.keys); i++ {
		newKeys = append(newKeys, parent.keys[i])
	}
	return newInternalNode[K, V](newKeys, newChildren, dummy)
}

func (t *Tree[K, V]) attemptInsert(tid int, key K, value V, onlyIfAbsent bool) (insertOutcome[V], bool) {
	path := t.searchPath(key)
	leaf := path[len(path)-1]
	parent := path[len(path)-2]
	dummy := t.engine.Dummy()

	if idx, found := t.findKeyInLeaf(leaf, key); found {
		if onlyIfAbsent {
			return insertOutcome[V]{old: leaf.values[idx], hadOld: true}, true
		}
		field, ok := childSlot[K, V](parent, leaf)
		if !ok {
			return insertOutcome[V]{}, false
		}
		rp, err := t.engine.LLX(parent)
		if err != nil {
			return insertOutcome[V]{}, false
		}
		if field.Load() != nodeOps(leaf) {
			return insertOutcome[V]{}, false
		}
		newLeaf := cloneLeafWithValue(leaf, idx, value, dummy)
		committed := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{parent, leaf},
			ScxRecordsSeen: []descriptor.TagPtr{rp},
			NFreeze:        1,
			Field:          field,
			NewNode:        newLeaf,
		})
		if committed {
			t.retire(tid, leaf)
		}
		return insertOutcome[V]{old: leaf.values[idx], hadOld: true, inserted: true}, committed
	}

	if len(leaf.keys) < t.maxLeafKeys() {
		field, ok := childSlot[K, V](parent, leaf)
		if !ok {
			return insertOutcome[V]{}, false
		}
		rp, err := t.engine.LLX(parent)
		if err != nil {
			return insertOutcome[V]{}, false
		}
		if field.Load() != nodeOps(leaf) {
			return insertOutcome[V]{}, false
		}
		newLeaf := t.insertIntoLeaf(leaf, key, value, dummy)
		committed := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{parent, leaf},
			ScxRecordsSeen: []descriptor.TagPtr{rp},
			NFreeze:        1,
			Field:          field,
			NewNode:        newLeaf,
		})
		if committed {
			t.retire(tid, leaf)
		}
		return insertOutcome[V]{inserted: true}, committed
	}

	// Leaf is at capacity: split it.
	left, right, routingKey := t.splitLeaf(leaf, key, value, dummy)

	if parent == t.superRoot {
		field := childField[K, V]{slot: &t.superRoot.children[0]}
		rsr, err := t.engine.LLX(t.superRoot)
		if err != nil {
			return insertOutcome[V]{}, false
		}
		if field.Load() != nodeOps(leaf) {
			return insertOutcome[V]{}, false
		}
		newRoot := newInternalNode[K, V]([]K{routingKey}, []*node[K, V]{left, right}, dummy)
		committed := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{t.superRoot, leaf},
			ScxRecordsSeen: []descriptor.TagPtr{rsr},
			NFreeze:        1,
			Field:          field,
			NewNode:        newRoot,
		})
		if committed {
			t.retire(tid, leaf)
		}
		return insertOutcome[V]{inserted: true}, committed
	}

	grandparent := path[len(path)-3]
	gpField, ok := childSlot[K, V](grandparent, parent)
	if !ok {
		return insertOutcome[V]{}, false
	}
	rgp, err := t.engine.LLX(grandparent)
	if err != nil {
		return insertOutcome[V]{}, false
	}
	if gpField.Load() != nodeOps(parent) {
		return insertOutcome[V]{}, false
	}
	rp, err := t.engine.LLX(parent)
	if err != nil {
		return insertOutcome[V]{}, false
	}

	newParent := spliceChildSplit(parent, leaf, left, right, routingKey, dummy)
	committed := t.engine.SCX(tid, llxscx.Info{
		Nodes:          []llxscx.NodeOps{grandparent, parent, leaf},
		ScxRecordsSeen: []descriptor.TagPtr{rgp, rp},
		NFreeze:        2,
		Field:          gpField,
		NewNode:        newParent,
	})
	if committed {
		t.retire(tid, parent)
		t.retire(tid, leaf)
	}
	return insertOutcome[V]{inserted: true}, committed
}

// Insert installs value at key, returning the value it replaced.
func (t *Tree[K, V]) Insert(tid int, key K, value V) (V, bool) {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	var result insertOutcome[V]
	t.driver.Run(path3.Update{
		Fast:     func() bool { o, ok := t.attemptInsert(tid, key, value, false); result = o; return ok },
		Middle:   func() bool { o, ok := t.attemptInsert(tid, key, value, false); result = o; return ok },
		Fallback: func() bool { o, ok := t.attemptInsert(tid, key, value, false); result = o; return ok },
	})
	return result.old, result.hadOld
}

// InsertIfAbsent installs value at key only if key is absent.
func (t *Tree[K, V]) InsertIfAbsent(tid int, key K, value V) bool {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	var result insertOutcome[V]
	t.driver.Run(path3.Update{
		Fast:     func() bool { o, ok := t.attemptInsert(tid, key, value, true); result = o; return ok },
		Middle:   func() bool { o, ok := t.attemptInsert(tid, key, value, true); result = o; return ok },
		Fallback: func() bool { o, ok := t.attemptInsert(tid, key, value, true); result = o; return ok },
	})
	return result.inserted
}

type eraseOutcome[V any] struct {
	old   V
	found bool
}

func removeFromLeaf[K any, V any](leaf *node[K, V], idx int, dummy descriptor.TagPtr) *node[K, V] {
	keys := append(append([]K(nil), leaf.keys[:idx]...), leaf.keys[idx+1:]...)
	values := append(append([]V(nil), leaf.values[:idx]...), leaf.values[idx+1:]...)
	return newLeafNode[K, V](keys, values, dummy)
}

// spliceChildRemove rebuilds parent with child (and the routing key
// immediately to its right, or its left if child is the last child)
// removed. See DESIGN.md for why this implementation does not cascade
// an underflow past this single level.
func spliceChildRemove[K any, V any](parent *node[K, V], child *node[K, V], dummy descriptor.TagPtr) *node[K, V] {
	var at int
	for i := range parent.children {
		if parent.children[i].Load() == child {
			at = i
			break
		}
	}
	newChildren := make([]*node[K, V], 0, len(parent.children)-1)
	for i, slotVal := range parent.children {
		if i != at {
			newChildren = append(newChildren, slotVal.Load())
		}
	}
	keyToRemove := at
	if keyToRemove >= len(parent.keys) {
		keyToRemove = len(parent.keys) - 1
	}
	newKeys := make([]K, 0, len(parent.keys)-1)
	for i, k := range parent.keys {
		if i != keyToRemove {
			newKeys = append(newKeys, k)
		}
	}
	return newInternalNode[K, V](newKeys, newChildren, dummy)
}

func (t *Tree[K, V]) attemptErase(tid int, key K) (eraseOutcome[V], bool) {
	path := t.searchPath(key)
	leaf := path[len(path)-1]
	parent := path[len(path)-2]
	dummy := t.engine.Dummy()

	idx, found := t.findKeyInLeaf(leaf, key)
	if !found {
		return eraseOutcome[V]{}, true // absent: committed no-op
	}
	oldValue := leaf.values[idx]

	field, ok := childSlot[K, V](parent, leaf)
	if !ok {
		return eraseOutcome[V]{}, false
	}
	rp, err := t.engine.LLX(parent)
	if err != nil {
		return eraseOutcome[V]{}, false
	}
	if field.Load() != nodeOps(leaf) {
		return eraseOutcome[V]{}, false
	}

	newLeaf := removeFromLeaf(leaf, idx, dummy)

	if len(newLeaf.keys) > 0 || parent == t.superRoot || len(parent.children) == 1 {
		committed := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{parent, leaf},
			ScxRecordsSeen: []descriptor.TagPtr{rp},
			NFreeze:        1,
			Field:          field,
			NewNode:        newLeaf,
		})
		if committed {
			t.retire(tid, leaf)
		}
		return eraseOutcome[V]{old: oldValue, found: true}, committed
	}

	// The leaf is now empty and has siblings: splice it out of parent.
	grandparent := path[len(path)-3]
	gpField, ok := childSlot[K, V](grandparent, parent)
	if !ok {
		return eraseOutcome[V]{}, false
	}
	rgp, err := t.engine.LLX(grandparent)
	if err != nil {
		return eraseOutcome[V]{}, false
	}
	if gpField.Load() != nodeOps(parent) {
		return eraseOutcome[V]{}, false
	}

	newParent := spliceChildRemove(parent, leaf, dummy)
	committed := t.engine.SCX(tid, llxscx.Info{
		Nodes:          []llxscx.NodeOps{grandparent, parent, leaf},
		ScxRecordsSeen: []descriptor.TagPtr{rgp, rp},
		NFreeze:        2,
		Field:          gpField,
		NewNode:        newParent,
	})
	if committed {
		t.retire(tid, parent)
		t.retire(tid, leaf)
	}
	return eraseOutcome[V]{old: oldValue, found: true}, committed
}

// Erase removes key, returning the value it held.
func (t *Tree[K, V]) Erase(tid int, key K) (V, bool) {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	var result eraseOutcome[V]
	t.driver.Run(path3.Update{
		Fast:     func() bool { o, ok := t.attemptErase(tid, key); result = o; return ok },
		Middle:   func() bool { o, ok := t.attemptErase(tid, key); result = o; return ok },
		Fallback: func() bool { o, ok := t.attemptErase(tid, key); result = o; return ok },
	})
	return result.old, result.found
}

func (t *Tree[K, V]) collectRange(n *node[K, V], lo, hi K, buf []record.KV[K, V], count *int, visited *[]*node[K, V], snaps *[]descriptor.TagPtr) bool {
	if n.leaf {
		for i, k := range n.keys {
			if !t.less(k, lo) && !t.less(hi, k) {
				if *count < len(buf) {
					buf[*count] = record.KV[K, V]{Key: k, Value: n.values[i]}
				}
				*count++
			}
		}
		return true
	}

	r, err := t.engine.LLX(n)
	if err != nil {
		return false
	}
	*visited = append(*visited, n)
	*snaps = append(*snaps, r)

	for i, child := range n.children {
		// child i covers [keys[i-1], keys[i]) with sentinel bounds at
		// the ends; descend unless the query range is strictly outside
		// that child's span.
		lowOK := i == 0 || !t.less(hi, n.keys[i-1])
		highOK := i == len(n.children)-1 || !t.less(n.keys[i], lo)
		if lowOK && highOK {
			if !t.collectRange(child.Load(), lo, hi, buf, count, visited, snaps) {
				return false
			}
		}
	}
	return true
}

// RangeQuery fills buf with every key/value pair in [lo, hi], up to
// buf's length, and returns the total count found (spec.md §5's VLX
// linearization rule, as in the bst variant).
func (t *Tree[K, V]) RangeQuery(tid int, lo, hi K, buf []record.KV[K, V]) int {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	for {
		count := 0
		var visited []*node[K, V]
		var snaps []descriptor.TagPtr
		if !t.collectRange(t.superRoot.children[0].Load(), lo, hi, buf, &count, &visited, &snaps) {
			continue
		}
		valid := true
		for i, n := range visited {
			if err := t.engine.Validate(n, snaps[i]); err != nil {
				valid = false
				break
			}
		}
		if valid {
			return count
		}
	}
}

// Stats exposes the underlying SCX engine's attempt/commit/abort
// counters, purely for diagnostics.
func (t *Tree[K, V]) Stats() llxscx.StatsSnapshot { return t.engine.Stats() }

// ForceQuiescent forcibly marks thread tid quiescent in this tree's
// epoch manager, for use by a crash/neutralize recovery hook (see
// conctree.WithCrashSignal).
func (t *Tree[K, V]) ForceQuiescent(tid int) { t.epochMgr.ForceQuiescent(tid) }
