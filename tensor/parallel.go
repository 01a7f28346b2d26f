package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelChunks splits [0, n) into at most GOMAXPROCS contiguous chunks and
// runs fn on each concurrently. fn receives the chunk index so callers can
// keep per-chunk accumulators.
func ParallelChunks(n int, fn func(chunk, start, end int) error) error {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return fn(0, 0, n)
	}

	var g errgroup.Group
	size := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * size
		end := start + size
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		chunk := w
		g.Go(func() error {
			return fn(chunk, start, end)
		})
	}
	return g.Wait()
}

// NumChunks returns how many chunks ParallelChunks will use for n items
func NumChunks(n int) int {
	if n <= 0 {
		return 1
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	size := (n + workers - 1) / workers
	return (n + size - 1) / size
}
