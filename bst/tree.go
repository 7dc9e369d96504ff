package bst

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

// Config bundles the construction-time knobs the conctree facade
// passes down through NewBST's Option slice (spec.md §6).
type Config struct {
	NumThreads     int
	MaxFastRetries int
	MaxSlowRetries int
	Log            *logrus.Entry
	EpochOptions   []epoch.Option
}

// Tree is the unbalanced external BST Dict. Every exported method
// takes the caller's thread id explicitly, matching spec.md's
// thread-local-state-by-parameter convention rather than goroutine-
// local storage.
type Tree[K cmp.Ordered, V any] struct {
	root     *node[K, V]
	noKey    K
	engine   *llxscx.Engine
	epochMgr *epoch.Manager
	pool     *epoch.Pool[node[K, V]]
	driver   *path3.Driver
	log      *logrus.Entry
}

// New builds an empty Tree. noKey is a key value the caller promises
// never to insert; it marks the sentinel leaf that occupies an empty
// tree (spec.md's NO_KEY).
func New[K cmp.Ordered, V any](noKey K, cfg Config) *Tree[K, V] {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	engine := llxscx.NewEngine(cfg.NumThreads, cfg.Log)
	mgr := epoch.NewManager(cfg.NumThreads, cfg.EpochOptions...)
	driver := path3.NewDriver(path3.Config{
		MaxFastRetries: cfg.MaxFastRetries,
		MaxSlowRetries: cfg.MaxSlowRetries,
	}, htm.NewCPUTransactor(), htm.NewCPUTransactor(), cfg.Log)

	dummy := engine.Dummy()
	var zero V
	sentinelLeaf := newLeaf[K, V](noKey, zero, dummy)
	root := newInternal[K, V](noKey, sentinelLeaf, nil, dummy)

	return &Tree[K, V]{
		root:     root,
		noKey:    noKey,
		engine:   engine,
		epochMgr: mgr,
		pool:     epoch.NewPool(func() *node[K, V] { return new(node[K, V]) }),
		driver:   driver,
		log:      cfg.Log,
	}
}

// InitThread and DeinitThread exist purely to satisfy the Dict
// interface's lifecycle hooks (spec.md §6); the BST variant keeps no
// per-thread state beyond the descriptor and epoch records already
// sized at construction.
func (t *Tree[K, V]) InitThread(tid int)   {}
func (t *Tree[K, V]) DeinitThread(tid int) {}

func (t *Tree[K, V]) less(a, b K) bool      { return cmp.Less(a, b) }
func (t *Tree[K, V]) keyEqual(a, b K) bool  { return cmp.Compare(a, b) == 0 }
func (t *Tree[K, V]) isSentinel(n *node[K, V]) bool {
	return n.isLeaf() && t.keyEqual(n.key, t.noKey)
}

// retire hands node n to the epoch manager for deferred reclamation,
// bookkeeping its departure from the pool's live count. Actual memory
// reuse waits for epoch.Manager's limbo bag to drop the reference;
// until then the *node[K,V] remains valid for any reader still
// mid-LLX against it.
func (t *Tree[K, V]) retire(tid int, n *node[K, V]) {
	t.epochMgr.Retire(tid, n)
	t.pool.Release(n)
}

// searchLeaf walks from the root to the leaf that would hold key,
// using only plain atomic loads: find's single linearization point is
// the read of that final leaf pointer (spec.md §5).
func (t *Tree[K, V]) searchLeaf(key K) *node[K, V] {
	l := t.root.left.Load()
	for !l.isLeaf() {
		if t.less(key, l.key) {
			l = l.left.Load()
		} else {
			l = l.right.Load()
		}
	}
	return l
}

// searchWithParent returns the leaf that would hold key, its parent,
// and the parent's child field that currently names it.
func (t *Tree[K, V]) searchWithParent(key K) (p, l *node[K, V], field llxscx.Field) {
	p = t.root
	l = p.left.Load()
	for !l.isLeaf() {
		p = l
		if t.less(key, p.key) {
			l = p.left.Load()
		} else {
			l = p.right.Load()
		}
	}
	if p.left.Load() == l {
		field = childField[K, V]{slot: &p.left}
	} else {
		field = childField[K, V]{slot: &p.right}
	}
	return p, l, field
}

// searchWithGrandparent additionally returns the grandparent of the
// target leaf, nil when the leaf sits directly under root (the tree
// holds zero or one real key).
func (t *Tree[K, V]) searchWithGrandparent(key K) (gp, p, l *node[K, V]) {
	p = t.root
	l = p.left.Load()
	for !l.isLeaf() {
		gp = p
		p = l
		if t.less(key, p.key) {
			l = p.left.Load()
		} else {
			l = p.right.Load()
		}
	}
	return gp, p, l
}

func (t *Tree[K, V]) childFieldFor(parent, child *node[K, V]) llxscx.Field {
	if parent.left.Load() == child {
		return childField[K, V]{slot: &parent.left}
	}
	return childField[K, V]{slot: &parent.right}
}

func (t *Tree[K, V]) siblingOf(p, l *node[K, V]) *node[K, V] {
	left := p.left.Load()
	right := p.right.Load()
	switch {
	case left == l:
		return right
	case right == l:
		return left
	default:
		return nil
	}
}

// newSubtree builds the two-leaf internal node an insert of a genuinely
// new key installs in place of the single leaf it displaces.
func (t *Tree[K, V]) newSubtree(key K, value V, existing *node[K, V]) *node[K, V] {
	dummy := t.engine.Dummy()
	newLf := newLeaf[K, V](key, value, dummy)
	if t.less(key, existing.key) {
		return newInternal[K, V](existing.key, newLf, existing, dummy)
	}
	return newInternal[K, V](key, existing, newLf, dummy)
}

// Find returns the value stored at key, if any. It performs no LLX and
// takes no descriptor slot: find never participates in the freeze
// protocol, matching the dominant source implementation.
func (t *Tree[K, V]) Find(tid int, key K) (V, bool) {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	l := t.searchLeaf(key)
	if t.isSentinel(l) || !t.keyEqual(l.key, key) {
		var zero V
		return zero, false
	}
	return l.value, true
}

type insertOutcome[V any] struct {
	old      V
	hadOld   bool
	inserted bool
}

// attemptInsert performs exactly one search+LLX+SCX attempt. A false
// committed return means the caller (path3.Driver, via one of the
// three Update closures) should retry; it carries no information
// about why.
func (t *Tree[K, V]) attemptInsert(tid int, key K, value V, onlyIfAbsent bool) (insertOutcome[V], bool) {
	p, l, field := t.searchWithParent(key)

	r, err := t.engine.LLX(p)
	if err != nil {
		return insertOutcome[V]{}, false
	}
	if field.Load() != nodeOps(l) {
		return insertOutcome[V]{}, false
	}

	if !t.isSentinel(l) && t.keyEqual(l.key, key) {
		if onlyIfAbsent {
			return insertOutcome[V]{old: l.value, hadOld: true}, true
		}
		nl := newLeaf[K, V](key, value, t.engine.Dummy())
		ok := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{p, l},
			ScxRecordsSeen: []descriptor.TagPtr{r},
			NFreeze:        1,
			Field:          field,
			NewNode:        nl,
		})
		if ok {
			t.retire(tid, l)
		}
		return insertOutcome[V]{old: l.value, hadOld: true, inserted: true}, ok
	}

	var sub *node[K, V]
	if t.isSentinel(l) {
		sub = newLeaf[K, V](key, value, t.engine.Dummy())
	} else {
		sub = t.newSubtree(key, value, l)
	}
	ok := t.engine.SCX(tid, llxscx.Info{
		Nodes:          []llxscx.NodeOps{p, l},
		ScxRecordsSeen: []descriptor.TagPtr{r},
		NFreeze:        1,
		Field:          field,
		NewNode:        sub,
	})
	return insertOutcome[V]{inserted: true}, ok
}

// Insert installs value at key, returning the value it replaced (if
// any). A pre-existing key is replaced wholesale, not mutated in
// place: a fresh leaf is swung in by the same single-node SCX an
// insert into empty space uses.
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

// InsertIfAbsent installs value at key only if key is not already
// present, reporting whether it did so.
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

func (t *Tree[K, V]) attemptErase(tid int, key K) (eraseOutcome[V], bool) {
	gp, p, l := t.searchWithGrandparent(key)
	if t.isSentinel(l) || !t.keyEqual(l.key, key) {
		return eraseOutcome[V]{}, true // absent: a committed no-op
	}

	if gp == nil {
		// p == root: l is the only key in the tree, and there is no
		// parent-level node to splice out — just swing the sentinel
		// back into root's one child field.
		field := childField[K, V]{slot: &p.left}
		rp, err := t.engine.LLX(p)
		if err != nil {
			return eraseOutcome[V]{}, false
		}
		if field.Load() != nodeOps(l) {
			return eraseOutcome[V]{}, false
		}
		var zero V
		sentinel := newLeaf[K, V](t.noKey, zero, t.engine.Dummy())
		ok := t.engine.SCX(tid, llxscx.Info{
			Nodes:          []llxscx.NodeOps{p, l},
			ScxRecordsSeen: []descriptor.TagPtr{rp},
			NFreeze:        1,
			Field:          field,
			NewNode:        sentinel,
		})
		if ok {
			t.retire(tid, l)
		}
		return eraseOutcome[V]{old: l.value, found: true}, ok
	}

	rgp, err := t.engine.LLX(gp)
	if err != nil {
		return eraseOutcome[V]{}, false
	}
	gpField := t.childFieldFor(gp, p)
	if gpField.Load() != nodeOps(p) {
		return eraseOutcome[V]{}, false
	}
	rp, err := t.engine.LLX(p)
	if err != nil {
		return eraseOutcome[V]{}, false
	}
	sibling := t.siblingOf(p, l)
	if sibling == nil {
		return eraseOutcome[V]{}, false
	}
	ok := t.engine.SCX(tid, llxscx.Info{
		Nodes:          []llxscx.NodeOps{gp, p, l},
		ScxRecordsSeen: []descriptor.TagPtr{rgp, rp},
		NFreeze:        2,
		Field:          gpField,
		NewNode:        sibling,
	})
	if ok {
		t.retire(tid, p)
		t.retire(tid, l)
	}
	return eraseOutcome[V]{old: l.value, found: true}, ok
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

// collectRange walks the subtree rooted at n, appending every leaf
// whose key falls in [lo, hi] to buf (up to its capacity), and records
// every internal node it LLXs so RangeQuery can validate them as one
// batch afterward. It returns false the instant an LLX fails, at which
// point the whole range query restarts from the root.
func (t *Tree[K, V]) collectRange(n *node[K, V], lo, hi K, buf []record.KV[K, V], count *int, visited *[]*node[K, V], snaps *[]descriptor.TagPtr) bool {
	if n.isLeaf() {
		if !t.isSentinel(n) && !t.less(n.key, lo) && !t.less(hi, n.key) {
			if *count < len(buf) {
				buf[*count] = record.KV[K, V]{Key: n.key, Value: n.value}
			}
			*count++
		}
		return true
	}

	r, err := t.engine.LLX(n)
	if err != nil {
		return false
	}
	*visited = append(*visited, n)
	*snaps = append(*snaps, r)

	if n == t.root {
		// root's key is noKey, not a routing key: the whole tree hangs
		// off root.left and root.right is always nil.
		return t.collectRange(n.left.Load(), lo, hi, buf, count, visited, snaps)
	}
	if t.less(lo, n.key) {
		if !t.collectRange(n.left.Load(), lo, hi, buf, count, visited, snaps) {
			return false
		}
	}
	if !t.less(hi, n.key) {
		if !t.collectRange(n.right.Load(), lo, hi, buf, count, visited, snaps) {
			return false
		}
	}
	return true
}

// RangeQuery fills buf with every key/value pair in [lo, hi], up to
// buf's length, and returns the total count found. It linearizes at
// the validation step that rechecks every internal node visited during
// the walk (spec.md §5's VLX rule): if any of them changed, the whole
// walk restarts.
func (t *Tree[K, V]) RangeQuery(tid int, lo, hi K, buf []record.KV[K, V]) int {
	t.epochMgr.LeaveQuiescent(tid)
	defer t.epochMgr.EnterQuiescent(tid)

	for {
		count := 0
		var visited []*node[K, V]
		var snaps []descriptor.TagPtr
		if !t.collectRange(t.root, lo, hi, buf, &count, &visited, &snaps) {
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
// conctree.WithCrashSignal): a thread that died mid-operation would
// otherwise pin its local epoch forever and stall reclamation for
// every other thread.
func (t *Tree[K, V]) ForceQuiescent(tid int) { t.epochMgr.ForceQuiescent(tid) }
