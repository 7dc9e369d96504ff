package llxscx

import (
	"sync/atomic"
	"testing"

	"github.com/yingfeng/conctree/descriptor"
)

// fakeNode is a minimal NodeOps implementation for exercising the
// freeze/mark/commit protocol without a real tree.
type fakeNode struct {
	name    string
	leaf    bool
	scxPtr  atomic.Uint64
	marked  atomic.Bool
}

func newFakeNode(name string, leaf bool, dummy descriptor.TagPtr) *fakeNode {
	n := &fakeNode{name: name, leaf: leaf}
	n.scxPtr.Store(uint64(dummy))
	return n
}

func (n *fakeNode) SCXPtr() descriptor.TagPtr { return descriptor.TagPtr(n.scxPtr.Load()) }
func (n *fakeNode) CASSCXPtr(old, new descriptor.TagPtr) bool {
	return n.scxPtr.CompareAndSwap(uint64(old), uint64(new))
}
func (n *fakeNode) Marked() bool { return n.marked.Load() }
func (n *fakeNode) SetMarked()   { n.marked.Store(true) }
func (n *fakeNode) IsLeaf() bool { return n.leaf }

// fakeField is a minimal Field implementation: a single atomic slot
// holding the current child NodeOps.
type fakeField struct {
	val atomic.Pointer[fakeNode]
}

func newFakeField(n *fakeNode) *fakeField {
	f := &fakeField{}
	f.val.Store(n)
	return f
}

func (f *fakeField) Load() NodeOps { return f.val.Load() }
func (f *fakeField) CompareAndSwap(old, new NodeOps) bool {
	o, _ := old.(*fakeNode)
	nn, _ := new.(*fakeNode)
	return f.val.CompareAndSwap(o, nn)
}

func TestSCXCommitsAndSwingsField(t *testing.T) {
	e := NewEngine(2, nil)
	dummy := e.Dummy()

	anchor := newFakeNode("anchor", false, dummy)
	oldChild := newFakeNode("old", true, dummy)
	newChild := newFakeNode("new", true, dummy)
	field := newFakeField(oldChild)

	rAnchor, err := e.LLX(anchor)
	if err != nil {
		t.Fatalf("LLX(anchor) = %v", err)
	}

	ok := e.SCX(0, Info{
		Nodes:          []NodeOps{anchor, oldChild},
		ScxRecordsSeen: []descriptor.TagPtr{rAnchor},
		NFreeze:        1, // only the anchor is internal and frozen; oldChild is a leaf
		Field:          field,
		NewNode:        newChild,
	})
	if !ok {
		t.Fatalf("SCX did not commit")
	}
	if got := field.Load(); got != NodeOps(newChild) {
		t.Fatalf("field.Load() = %v, want newChild", got)
	}

	stats := e.Stats()
	if stats.Commits != 1 || stats.Aborts != 0 {
		t.Fatalf("Stats = %+v; want 1 commit, 0 aborts", stats)
	}
}

func TestSCXAbortsOnStaleSnapshot(t *testing.T) {
	e := NewEngine(2, nil)
	dummy := e.Dummy()

	anchor := newFakeNode("anchor", false, dummy)
	oldChild := newFakeNode("old", true, dummy)
	field := newFakeField(oldChild)

	rAnchor, err := e.LLX(anchor)
	if err != nil {
		t.Fatalf("LLX(anchor) = %v", err)
	}

	// A concurrent SCX freezes the anchor first, invalidating rAnchor.
	interloper := newFakeNode("interloper-child", true, dummy)
	if !e.SCX(1, Info{
		Nodes:          []NodeOps{anchor, oldChild},
		ScxRecordsSeen: []descriptor.TagPtr{rAnchor},
		NFreeze:        1,
		Field:          field,
		NewNode:        interloper,
	}) {
		t.Fatalf("first SCX should have committed")
	}

	// Now thread 0 tries to use its now-stale rAnchor snapshot.
	newChild := newFakeNode("new", true, dummy)
	ok := e.SCX(0, Info{
		Nodes:          []NodeOps{anchor, oldChild},
		ScxRecordsSeen: []descriptor.TagPtr{rAnchor},
		NFreeze:        1,
		Field:          field,
		NewNode:        newChild,
	})
	if ok {
		t.Fatalf("second SCX should have aborted on a stale scx_ptr")
	}
	if field.Load() != NodeOps(interloper) {
		t.Fatalf("field should still hold the interloper's new node")
	}
}

func TestLLXFailsAfterScxPtrChanges(t *testing.T) {
	e := NewEngine(1, nil)
	dummy := e.Dummy()
	n := newFakeNode("n", false, dummy)

	r, err := e.LLX(n)
	if err != nil {
		t.Fatalf("LLX = %v", err)
	}
	// Simulate another thread's freeze step swinging scx_ptr away.
	other := descriptor.TagPtr(uint64(r) + 1)
	n.scxPtr.Store(uint64(other))

	if err := e.Validate(n, r); err != ErrFail {
		t.Fatalf("Validate = %v, want ErrFail", err)
	}
}

func TestLLXFinalized(t *testing.T) {
	e := NewEngine(1, nil)
	n := newFakeNode("n", false, e.Dummy())
	n.SetMarked()

	if _, err := e.LLX(n); err != ErrFinalized {
		t.Fatalf("LLX = %v, want ErrFinalized", err)
	}
}
