package conctree

import (
	"cmp"

	"github.com/yingfeng/conctree/abtree"
	"github.com/yingfeng/conctree/bslack"
	"github.com/yingfeng/conctree/bst"
	"github.com/yingfeng/conctree/record"
)

// KV is one key/value pair returned by RangeQuery.
type KV[K any, V any] = record.KV[K, V]

// Dict is the lock-free dictionary interface all three tree variants
// satisfy. Every method takes the calling goroutine's thread id
// explicitly rather than relying on goroutine-local storage, matching
// the source's thread-id-by-parameter convention; callers number
// their worker goroutines 0..numThreads-1 themselves and call
// InitThread/DeinitThread around each goroutine's lifetime.
type Dict[K cmp.Ordered, V any] interface {
	InitThread(tid int)
	DeinitThread(tid int)
	Find(tid int, key K) (V, bool)
	Insert(tid int, key K, value V) (V, bool)
	InsertIfAbsent(tid int, key K, value V) bool
	Erase(tid int, key K) (V, bool)
	RangeQuery(tid int, lo, hi K, buf []KV[K, V]) int
}

// NewBST constructs the unbalanced external-BST Dict variant. noKey is
// a key value the caller promises never to insert or query for; it
// marks the sentinel leaf an empty tree (or an emptied subtree) holds.
func NewBST[K cmp.Ordered, V any](numThreads int, noKey K, opts ...Option) Dict[K, V] {
	cfg := newConfig(numThreads, opts...)
	t := bst.New[K, V](noKey, bst.Config{
		NumThreads:     numThreads,
		MaxFastRetries: cfg.maxFastRetries,
		MaxSlowRetries: cfg.maxSlowRetries,
		Log:            cfg.log,
		EpochOptions:   cfg.epochOptions,
	})
	maybeWatchCrashSignal(cfg, numThreads, t)
	return t
}

// NewABTree constructs the (a,b)-tree Dict variant. a and b are the
// minimum and maximum number of children an internal node may have
// (b >= 2a); leaves hold up to b-1 keys.
func NewABTree[K cmp.Ordered, V any](numThreads int, a, b int, opts ...Option) Dict[K, V] {
	cfg := newConfig(numThreads, opts...)
	t := abtree.New[K, V](abtree.Config{
		NumThreads:     numThreads,
		MaxFastRetries: cfg.maxFastRetries,
		MaxSlowRetries: cfg.maxSlowRetries,
		A:              a,
		B:              b,
		Log:            cfg.log,
		EpochOptions:   cfg.epochOptions,
	})
	maybeWatchCrashSignal(cfg, numThreads, t)
	return t
}

// NewBSlack constructs the B-slack Dict variant, whose nodes tolerate
// an occupancy band [lo, hi] set via WithSlack rather than a fixed
// branching factor. WithAllowExtraSlack picks which end of that band
// this implementation targets before splitting a leaf.
func NewBSlack[K cmp.Ordered, V any](numThreads int, opts ...Option) Dict[K, V] {
	cfg := newConfig(numThreads, opts...)
	t := bslack.New[K, V](bslack.Config{
		NumThreads:      numThreads,
		MaxFastRetries:  cfg.maxFastRetries,
		MaxSlowRetries:  cfg.maxSlowRetries,
		SlackLo:         cfg.slackLo,
		SlackHi:         cfg.slackHi,
		AllowExtraSlack: cfg.allowExtraSlack,
		Log:             cfg.log,
		EpochOptions:    cfg.epochOptions,
	})
	maybeWatchCrashSignal(cfg, numThreads, t)
	return t
}
