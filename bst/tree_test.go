package bst

import (
	"fmt"
	"sync"
	"testing"

	"github.com/yingfeng/conctree/record"
)

func newTestTree(t *testing.T, numThreads int) *Tree[int, string] {
	t.Helper()
	return New[int, string](-1, Config{
		NumThreads:     numThreads,
		MaxFastRetries: 2,
		MaxSlowRetries: 2,
	})
}

func TestFindOnEmptyTree(t *testing.T) {
	tr := newTestTree(t, 1)
	if _, ok := tr.Find(0, 42); ok {
		t.Fatalf("Find on empty tree found a value")
	}
}

func TestInsertThenFind(t *testing.T) {
	tr := newTestTree(t, 1)

	if _, had := tr.Insert(0, 10, "ten"); had {
		t.Fatalf("Insert reported a prior value on the first insert")
	}
	if v, ok := tr.Find(0, 10); !ok || v != "ten" {
		t.Fatalf("Find(10) = %q, %v; want \"ten\", true", v, ok)
	}
	if _, ok := tr.Find(0, 11); ok {
		t.Fatalf("Find(11) unexpectedly found a value")
	}
}

func TestInsertReplacesExisting(t *testing.T) {
	tr := newTestTree(t, 1)
	tr.Insert(0, 10, "ten")

	old, had := tr.Insert(0, 10, "TEN")
	if !had || old != "ten" {
		t.Fatalf("Insert(10, \"TEN\") = %q, %v; want \"ten\", true", old, had)
	}
	if v, _ := tr.Find(0, 10); v != "TEN" {
		t.Fatalf("Find(10) after replace = %q; want \"TEN\"", v)
	}
}

func TestInsertIfAbsent(t *testing.T) {
	tr := newTestTree(t, 1)

	if !tr.InsertIfAbsent(0, 5, "five") {
		t.Fatalf("InsertIfAbsent on an absent key returned false")
	}
	if tr.InsertIfAbsent(0, 5, "FIVE") {
		t.Fatalf("InsertIfAbsent on a present key returned true")
	}
	if v, _ := tr.Find(0, 5); v != "five" {
		t.Fatalf("Find(5) = %q; want \"five\" (second InsertIfAbsent must not overwrite)", v)
	}
}

func TestEraseSoleKeyAndReinsert(t *testing.T) {
	tr := newTestTree(t, 1)
	tr.Insert(0, 1, "one")

	old, found := tr.Erase(0, 1)
	if !found || old != "one" {
		t.Fatalf("Erase(1) = %q, %v; want \"one\", true", old, found)
	}
	if _, ok := tr.Find(0, 1); ok {
		t.Fatalf("Find(1) after erase still found a value")
	}
	if _, found := tr.Erase(0, 1); found {
		t.Fatalf("Erase(1) twice reported found on the second call")
	}

	tr.Insert(0, 1, "one-again")
	if v, ok := tr.Find(0, 1); !ok || v != "one-again" {
		t.Fatalf("Find(1) after reinsert = %q, %v; want \"one-again\", true", v, ok)
	}
}

func TestEraseFromMultiNodeTree(t *testing.T) {
	tr := newTestTree(t, 1)
	for _, k := range []int{50, 25, 75, 10, 30} {
		tr.Insert(0, k, fmt.Sprintf("v%d", k))
	}

	old, found := tr.Erase(0, 25)
	if !found || old != "v25" {
		t.Fatalf("Erase(25) = %q, %v; want \"v25\", true", old, found)
	}
	for _, k := range []int{50, 75, 10, 30} {
		if _, ok := tr.Find(0, k); !ok {
			t.Fatalf("Find(%d) missing after unrelated erase", k)
		}
	}
	if _, ok := tr.Find(0, 25); ok {
		t.Fatalf("Find(25) still present after erase")
	}
}

func TestRangeQuery(t *testing.T) {
	tr := newTestTree(t, 1)
	keys := []int{5, 1, 9, 3, 7, 2, 8, 4, 6}
	for _, k := range keys {
		tr.Insert(0, k, fmt.Sprintf("v%d", k))
	}

	buf := make([]record.KV[int, string], 20)
	n := tr.RangeQuery(0, 3, 7, buf)
	if n != 5 {
		t.Fatalf("RangeQuery(3,7) returned %d entries, want 5", n)
	}
	seen := make(map[int]bool)
	for _, kv := range buf[:n] {
		if kv.Key < 3 || kv.Key > 7 {
			t.Fatalf("RangeQuery(3,7) returned out-of-range key %d", kv.Key)
		}
		seen[kv.Key] = true
	}
	for k := 3; k <= 7; k++ {
		if !seen[k] {
			t.Fatalf("RangeQuery(3,7) missing key %d", k)
		}
	}
}

func TestRangeQueryRespectsBufferCapacity(t *testing.T) {
	tr := newTestTree(t, 1)
	for k := 0; k < 10; k++ {
		tr.Insert(0, k, fmt.Sprintf("v%d", k))
	}

	buf := make([]record.KV[int, string], 3)
	n := tr.RangeQuery(0, 0, 9, buf)
	if n != 10 {
		t.Fatalf("RangeQuery count = %d, want 10 even though only 3 fit in buf", n)
	}
}

func TestConcurrentInsertsAllVisible(t *testing.T) {
	const numThreads = 8
	const perThread = 200
	tr := newTestTree(t, numThreads)

	var wg sync.WaitGroup
	for tid := 0; tid < numThreads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				key := tid*perThread + i
				tr.Insert(tid, key, fmt.Sprintf("%d", key))
			}
		}()
	}
	wg.Wait()

	for tid := 0; tid < numThreads; tid++ {
		for i := 0; i < perThread; i++ {
			key := tid*perThread + i
			v, ok := tr.Find(0, key)
			if !ok || v != fmt.Sprintf("%d", key) {
				t.Fatalf("Find(%d) = %q, %v; want present", key, v, ok)
			}
		}
	}
}

func TestConcurrentInsertEraseLeavesConsistentTree(t *testing.T) {
	const numThreads = 6
	const perThread = 100
	tr := newTestTree(t, numThreads)

	var wg sync.WaitGroup
	for tid := 0; tid < numThreads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := tid * perThread
			for i := 0; i < perThread; i++ {
				tr.Insert(tid, base+i, "x")
			}
			for i := 0; i < perThread; i += 2 {
				tr.Erase(tid, base+i)
			}
		}()
	}
	wg.Wait()

	for tid := 0; tid < numThreads; tid++ {
		base := tid * perThread
		for i := 0; i < perThread; i++ {
			_, ok := tr.Find(0, base+i)
			wantPresent := i%2 != 0
			if ok != wantPresent {
				t.Fatalf("Find(%d) present=%v, want %v", base+i, ok, wantPresent)
			}
		}
	}
}
