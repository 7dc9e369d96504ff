package path3

import (
	"testing"

	"github.com/yingfeng/conctree/htm"
)

func TestRunPrefersFastPath(t *testing.T) {
	d := NewDriver(Config{MaxFastRetries: 3, MaxSlowRetries: 3}, alwaysCommits{}, alwaysCommits{}, nil)

	fastCalled := false
	d.Run(Update{
		Fast:     func() bool { fastCalled = true; return true },
		Middle:   func() bool { t.Fatal("middle should not run"); return false },
		Fallback: func() bool { t.Fatal("fallback should not run"); return false },
	})
	if !fastCalled {
		t.Fatalf("fast path was not attempted")
	}
}

func TestRunFallsThroughToFallback(t *testing.T) {
	d := NewDriver(Config{MaxFastRetries: 1, MaxSlowRetries: 1}, htm.NoopTransactor{}, htm.NoopTransactor{}, nil)

	fallbackCalls := 0
	d.Run(Update{
		Fast:   func() bool { t.Fatal("fast body should never run under NoopTransactor"); return false },
		Middle: func() bool { t.Fatal("middle body should never run under NoopTransactor"); return false },
		Fallback: func() bool {
			fallbackCalls++
			return fallbackCalls == 2 // succeed on the second attempt
		},
	})
	if fallbackCalls != 2 {
		t.Fatalf("fallbackCalls = %d, want 2", fallbackCalls)
	}
	if d.NumFallback() != 0 {
		t.Fatalf("NumFallback() = %d after completion, want 0", d.NumFallback())
	}
}

func TestFastPathDisabledSkipsStraightToMiddle(t *testing.T) {
	d := NewDriver(Config{MaxFastRetries: -1, MaxSlowRetries: 3}, htm.NoopTransactor{}, alwaysCommits{}, nil)

	d.Run(Update{
		Fast:     func() bool { t.Fatal("fast path is disabled"); return false },
		Middle:   func() bool { return true },
		Fallback: func() bool { t.Fatal("middle should have committed"); return false },
	})
}

func TestFallbackCounterGatesFastPath(t *testing.T) {
	d := NewDriver(Config{MaxFastRetries: 5, MaxSlowRetries: 0}, alwaysCommits{}, alwaysCommits{}, nil)
	d.numFallback.Store(1) // simulate another thread already on the fallback path

	d.Run(Update{
		Fast:     func() bool { t.Fatal("fast must self-abort without even trying when numFallback != 0"); return false },
		Middle:   func() bool { return true },
		Fallback: func() bool { t.Fatal("middle should have committed"); return false },
	})
}

type alwaysCommits struct{}

func (alwaysCommits) Try(body func() bool) (bool, htm.AbortReason) {
	if body() {
		return true, htm.AbortNone
	}
	return false, htm.AbortCapacity
}
func (alwaysCommits) Available() bool { return true }
