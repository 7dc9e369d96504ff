package conctree

import (
	"cmp"
	"context"

	"golang.org/x/sync/errgroup"
)

// Warm calls InitThread(tid) for every tid in 0..numThreads-1 across a
// bounded goroutine group, then DeinitThread(tid) once ctx is
// cancelled, giving a caller a deterministic way to stand up and tear
// down a fixed thread fleet instead of hand-rolling a sync.WaitGroup
// around the same pattern. Neither InitThread nor DeinitThread can
// fail on any tree variant, so the returned error is always nil; it
// exists so Warm composes with other errgroup-driven startup code.
func Warm[K cmp.Ordered, V any](ctx context.Context, d Dict[K, V], numThreads int) error {
	g, ctx := errgroup.WithContext(ctx)
	for tid := 0; tid < numThreads; tid++ {
		tid := tid
		g.Go(func() error {
			d.InitThread(tid)
			<-ctx.Done()
			d.DeinitThread(tid)
			return nil
		})
	}
	return g.Wait()
}
