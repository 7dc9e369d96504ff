package epoch

import "testing"

func TestRetireAndReclaimEventually(t *testing.T) {
	m := NewManager(2, WithAdvanceInterval(1))

	m.LeaveQuiescent(0)
	obj := new(int)
	*obj = 42
	m.Retire(0, obj)
	m.EnterQuiescent(0)

	// Thread 1 must also progress through a few quiescent points for
	// the global epoch to be provably safe to advance past obj's
	// retirement epoch.
	for i := 0; i < 8; i++ {
		m.LeaveQuiescent(1)
		m.EnterQuiescent(1)
		m.LeaveQuiescent(0)
		m.EnterQuiescent(0)
	}

	if m.Stats(0)+m.Stats(1) == 0 {
		t.Fatalf("expected at least one reclaim attempt to succeed")
	}
}

func TestShouldHelpAdvisory(t *testing.T) {
	m := NewManager(1)
	if m.ShouldHelp(0) {
		t.Fatalf("fresh manager should not advise helping")
	}
	m.LeaveQuiescent(0)
	for i := 0; i < 5000; i++ {
		m.Retire(0, new(int))
	}
	if !m.ShouldHelp(0) {
		t.Fatalf("manager with a deep limbo bag should advise helping")
	}
}

func TestPoolStats(t *testing.T) {
	p := NewPool(func() *int { return new(int) })
	a := p.Allocate()
	b := p.Allocate()
	if live, total := p.Stats(); live != 2 || total != 2 {
		t.Fatalf("Stats = %d, %d; want 2, 2", live, total)
	}
	p.Release(a)
	p.Release(b)
	if live, total := p.Stats(); live != 0 || total != 2 {
		t.Fatalf("Stats = %d, %d; want 0, 2", live, total)
	}
}
