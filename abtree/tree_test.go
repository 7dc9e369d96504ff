package abtree

import (
	"fmt"
	"sync"
	"testing"

	"github.com/yingfeng/conctree/record"
)

func newTestTree(t *testing.T, numThreads int) *Tree[int, string] {
	t.Helper()
	return New[int, string](Config{
		NumThreads:     numThreads,
		MaxFastRetries: 2,
		MaxSlowRetries: 2,
		A:              2,
		B:              4,
	})
}

func TestFindOnEmptyTree(t *testing.T) {
	tr := newTestTree(t, 1)
	if _, ok := tr.Find(0, 1); ok {
		t.Fatalf("Find on empty tree found a value")
	}
}

func TestInsertAndSplitGrowsTree(t *testing.T) {
	tr := newTestTree(t, 1)
	for i := 0; i < 50; i++ {
		tr.Insert(0, i, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 50; i++ {
		v, ok := tr.Find(0, i)
		if !ok || v != fmt.Sprintf("v%d", i) {
			t.Fatalf("Find(%d) = %q, %v; want v%d, true", i, v, ok, i)
		}
	}
}

func TestInsertReplacesExisting(t *testing.T) {
	tr := newTestTree(t, 1)
	tr.Insert(0, 1, "one")
	old, had := tr.Insert(0, 1, "ONE")
	if !had || old != "one" {
		t.Fatalf("Insert(1, \"ONE\") = %q, %v; want \"one\", true", old, had)
	}
}

func TestInsertIfAbsent(t *testing.T) {
	tr := newTestTree(t, 1)
	if !tr.InsertIfAbsent(0, 1, "one") {
		t.Fatalf("InsertIfAbsent on an absent key returned false")
	}
	if tr.InsertIfAbsent(0, 1, "ONE") {
		t.Fatalf("InsertIfAbsent on a present key returned true")
	}
	if v, _ := tr.Find(0, 1); v != "one" {
		t.Fatalf("Find(1) = %q; want \"one\"", v)
	}
}

func TestEraseAfterManyInserts(t *testing.T) {
	tr := newTestTree(t, 1)
	for i := 0; i < 30; i++ {
		tr.Insert(0, i, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 30; i += 2 {
		old, found := tr.Erase(0, i)
		if !found || old != fmt.Sprintf("v%d", i) {
			t.Fatalf("Erase(%d) = %q, %v; want v%d, true", i, old, found, i)
		}
	}
	for i := 0; i < 30; i++ {
		_, ok := tr.Find(0, i)
		want := i%2 != 0
		if ok != want {
			t.Fatalf("Find(%d) present=%v, want %v", i, ok, want)
		}
	}
}

func TestEraseAbsentKeyIsNoop(t *testing.T) {
	tr := newTestTree(t, 1)
	tr.Insert(0, 1, "one")
	if _, found := tr.Erase(0, 99); found {
		t.Fatalf("Erase(99) reported found on an absent key")
	}
	if v, ok := tr.Find(0, 1); !ok || v != "one" {
		t.Fatalf("Find(1) after unrelated erase = %q, %v; want \"one\", true", v, ok)
	}
}

func TestEraseEmptiesAndRefillsTree(t *testing.T) {
	tr := newTestTree(t, 1)
	for i := 0; i < 10; i++ {
		tr.Insert(0, i, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 10; i++ {
		if _, found := tr.Erase(0, i); !found {
			t.Fatalf("Erase(%d) did not find the key", i)
		}
	}
	for i := 0; i < 10; i++ {
		if _, ok := tr.Find(0, i); ok {
			t.Fatalf("Find(%d) found a value in a fully erased tree", i)
		}
	}
	tr.Insert(0, 100, "hundred")
	if v, ok := tr.Find(0, 100); !ok || v != "hundred" {
		t.Fatalf("Find(100) after refilling emptied tree = %q, %v; want \"hundred\", true", v, ok)
	}
}

func TestRangeQuery(t *testing.T) {
	tr := newTestTree(t, 1)
	for i := 0; i < 40; i++ {
		tr.Insert(0, i, fmt.Sprintf("v%d", i))
	}
	buf := make([]record.KV[int, string], 50)
	n := tr.RangeQuery(0, 10, 20, buf)
	if n != 11 {
		t.Fatalf("RangeQuery(10,20) returned %d entries, want 11", n)
	}
	seen := make(map[int]bool)
	for _, kv := range buf[:n] {
		if kv.Key < 10 || kv.Key > 20 {
			t.Fatalf("RangeQuery(10,20) returned out-of-range key %d", kv.Key)
		}
		seen[kv.Key] = true
	}
	for k := 10; k <= 20; k++ {
		if !seen[k] {
			t.Fatalf("RangeQuery(10,20) missing key %d", k)
		}
	}
}

func TestConcurrentInsertsAllVisible(t *testing.T) {
	const numThreads = 8
	const perThread = 100
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
