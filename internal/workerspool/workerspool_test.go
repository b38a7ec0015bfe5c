package workerspool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		const n = 101
		visited := make([]int32, n)
		var numChunks atomic.Int32
		err := pool.ParallelFor(context.Background(), n, 10, func(_ context.Context, start, end int) error {
			numChunks.Add(1)
			for i := start; i < end; i++ {
				visited[i]++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(11), numChunks.Load(), "parallelism=%d", parallelism)
		for i, v := range visited {
			require.Equalf(t, int32(1), v, "index %d visited %d times with parallelism=%d", i, v, parallelism)
		}
	}
}

func TestPool_ParallelForError(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	err := pool.ParallelFor(context.Background(), 50, 5, func(_ context.Context, start, end int) error {
		if start == 20 {
			return errors.New("chunk failed")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk failed")

	// Empty ranges are a no-op.
	require.NoError(t, pool.ParallelFor(context.Background(), 0, 5, func(_ context.Context, _, _ int) error {
		return errors.New("should not be called")
	}))
}
