// Package descriptor implements the per-thread SCX descriptor store: a
// fixed slot per thread addressed by a versioned tag pointer, so any
// thread can take a consistent snapshot of another thread's in-flight
// descriptor even while the owner reuses the slot for a later operation.
//
// This is the "descriptor reduction" scheme from the source material:
// a single struct per thread, reused across every SCX that thread ever
// performs, with a sequence number folded into the tag pointer so a
// reader can always tell whether the body it read is still the one the
// tag pointer named.
package descriptor

import "math/bits"

// TagPtr packs {owner thread id, sequence number} into one word. The
// pointer to the owning slot is reconstructed from the thread id; the
// word never carries a raw pointer.
type TagPtr uint64

// SeqWidth is the number of bits reserved for the sequence number.
// It is sized so that wraparound during any single in-flight Snapshot
// is effectively impossible: at 2^40 reuses per thread, a thread would
// need to perform roughly a trillion SCX operations while another
// thread's Snapshot of a single tag pointer is still in flight.
//
// The same SeqWidth is reused for the slot's "mutables" word (see
// store.go), which additionally packs state, allFrozen, and the
// aborted-step bookkeeping into the remaining 24 bits: 2 bits of
// state, 1 bit of allFrozen, 5 bits of abort index (up to 32 nodes
// per SCX) and 16 bits of abort bitmap (up to 16 freeze targets per
// SCX) — 40+2+1+5+16 = 64, exactly one word.
const SeqWidth = 40

// MaxNodesPerSCX bounds how many nodes a single SCX can freeze; it is
// fixed by the width of the abort bitmap packed into the mutables
// word. The source's bslack_reuse variant uses DEGREE+2, comfortably
// under this bound for the degrees this library targets.
const MaxNodesPerSCX = 16

// maxThreads bounds the tid field so (tid | seq<<tidBits) never
// overflows TagPtr's 64 bits, leaving room for the dummy sentinel.
const maxThreads = 1 << (64 - SeqWidth - 1)

// tidBits is the number of low bits used to encode the owning thread
// id, sized to the configured thread count at NewStore time.
func tidBitsFor(numThreads int) uint {
	if numThreads < 1 {
		numThreads = 1
	}
	b := bits.Len(uint(numThreads - 1))
	if b == 0 {
		b = 1
	}
	return uint(b)
}

// dummyTagPtr is the immortal sentinel tag pointer: every freshly
// allocated node's scx_ptr starts out pointing here, and it is never
// retired. It is represented as the all-ones word. A real slot's tag
// pointer only ever sets its low tidBits+SeqWidth bits, so while the
// thread count stays within maxThreads its top bit is zero and it can
// never equal the dummy.
const dummyTagPtr TagPtr = ^TagPtr(0)

// IsDummy reports whether tp is the immortal dummy descriptor.
func (tp TagPtr) IsDummy() bool { return tp == dummyTagPtr }
