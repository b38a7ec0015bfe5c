// Package workerspool runs host-side work (neighbor searches, dataset generation) split in chunks
// over a bounded number of goroutines.
package workerspool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool limits the parallelism of the chunked work it runs.
//
// A Pool holds no goroutines between calls, so it can be shared and reused freely.
type Pool struct {
	// maxParallelism is the limit of goroutines running at the same time.
	// If 0 work is run inline, if negative it is unlimited.
	maxParallelism int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism returns the limit of parallel goroutines.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns the Pool itself, so calls can be cascaded.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// ParallelFor splits the range [0, n) in chunks of at most chunkSize elements and calls fn(start, end)
// for each one of them, in parallel.
//
// It returns the first error returned by any fn call, and cancels the context passed to the other calls.
// Chunks never overlap, so fn can write to disjoint parts of a shared slice without locking.
func (w *Pool) ParallelFor(ctx context.Context, n, chunkSize int, fn func(ctx context.Context, start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = n
	}
	if !w.IsEnabled() || n <= chunkSize {
		for start := 0; start < n; start += chunkSize {
			if err := fn(ctx, start, min(start+chunkSize, n)); err != nil {
				return err
			}
		}
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	if w.maxParallelism > 0 {
		g.SetLimit(w.maxParallelism)
	}
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return fn(gCtx, start, end)
		})
	}
	return g.Wait()
}
