package epoch

import "sync/atomic"

// Pool is a type-safe allocation-bookkeeping wrapper for *T instances,
// the Go mapping of the source's allocate<T>(tid): a thread drawing
// from Pool gets an object ready for use.
//
// Pool keeps no free list: Allocate calls newFn on every call and
// never hands out a released object again, so it can never recycle an
// object a reader might still be dereferencing. Memory is reused only
// by the garbage collector, once Manager's limbo bags drop their
// references.
type Pool[T any] struct {
	newFn func() *T

	totalAllocated atomic.Int64 // total number of *T ever allocated
	currentLive    atomic.Int64 // number of *T checked out and not yet retired
}

// NewPool creates a Pool whose New function is newFn.
func NewPool[T any](newFn func() *T) *Pool[T] {
	return &Pool[T]{newFn: newFn}
}

// Allocate returns a fresh *T, tracked for live-object statistics.
// There is, deliberately, no free list consulted here, so a retired
// object is never handed out a second time.
// Resource exhaustion (the runtime allocator returning nil, which in
// Go means a fatal out-of-memory condition) is unrecoverable; callers
// should not attempt to handle a nil result.
func (p *Pool[T]) Allocate() *T {
	p.totalAllocated.Add(1)
	p.currentLive.Add(1)
	return p.newFn()
}

// Release records that obj is no longer live by decrementing the live
// count. It keeps no reference to obj and does not make it available
// to Allocate.
func (p *Pool[T]) Release(obj *T) {
	p.currentLive.Add(-1)
}

// Stats returns the number of currently live (checked-out) objects and
// the total ever allocated by this Pool.
func (p *Pool[T]) Stats() (live, total int64) {
	return p.currentLive.Load(), p.totalAllocated.Load()
}
