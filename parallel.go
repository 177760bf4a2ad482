package satextract

import (
	"context"
	"sync"
)

// ParallelMap applies fn to each item of items using up to workers
// goroutines and collects the results in input order. It is the single
// parallel-map primitive used by both the Scheduler's per-bucket catalog
// intersection and the Preparer's per-(tile,constellation) archive
// preparation (spec.md §9 Design Notes) — both reduce to "apply f to each
// element of an independent set and collect results", so one primitive
// serves both call sites instead of two bespoke worker pools.
//
// If any call to fn returns an error, ParallelMap stops scheduling new
// work, waits for in-flight calls to finish, and returns the first error
// reported (in completion order, not item order). No shared mutable state
// is needed beyond writing by index into a pre-sized result slice, which
// callers can read only
// after ParallelMap returns (the join barrier described in spec.md §5).
func ParallelMap[T, R any](ctx context.Context, items []T, workers int, fn func(context.Context, T) (R, error)) ([]R, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	if workers == 0 {
		return nil, nil
	}

	results := make([]R, len(items))
	indexes := make(chan int)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				r, err := fn(ctx, items[i])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
					continue
				}
				results[i] = r
			}
		}()
	}

	go func() {
		defer close(indexes)
		for i := range items {
			select {
			case <-ctx.Done():
				return
			case indexes <- i:
			}
		}
	}()

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
