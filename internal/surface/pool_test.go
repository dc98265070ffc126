package surface

import (
	"errors"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	pool := NewPool(NewRaster(0), 3)

	var held []*Surface
	for i := 0; i < 12; i++ {
		s, err := pool.Acquire(16+i, 16)
		require.NoError(t, err)
		held = append(held, s)
	}
	for _, s := range held {
		pool.Release(s)
		assert.LessOrEqual(t, pool.Len(), 3)
	}

	assert.Equal(t, 3, pool.Len())
	destroyed := 0
	for _, s := range held {
		if s.Destroyed() {
			destroyed++
		}
	}
	assert.Equal(t, 9, destroyed)
}

func TestPoolReusesAndClearsSurfaces(t *testing.T) {
	raster := NewRaster(0)
	pool := NewPool(raster, DefaultMaxPoolSize)

	s, err := pool.Acquire(8, 8)
	require.NoError(t, err)
	require.NoError(t, raster.Fill(s, color.NRGBA{R: 255, A: 255}))
	pool.Release(s)

	again, err := pool.Acquire(4, 2)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 4, again.Width())
	assert.Equal(t, 2, again.Height())

	alpha, err := raster.Alpha(again)
	require.NoError(t, err)
	assert.Equal(t, make([]uint8, 8), alpha)

	st := pool.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestPoolDestroysOversizedSurfaces(t *testing.T) {
	pool := NewPool(NewRaster(0), DefaultMaxPoolSize)

	big, err := pool.Acquire(2049, 2048)
	require.NoError(t, err)
	pool.Release(big)

	assert.True(t, big.Destroyed())
	assert.Equal(t, 0, pool.Len())

	edge, err := pool.Acquire(2048, 2048)
	require.NoError(t, err)
	pool.Release(edge)
	assert.False(t, edge.Destroyed())
	assert.Equal(t, 1, pool.Len())
}

func TestPoolSetMaxPoolSizeEvicts(t *testing.T) {
	pool := NewPool(NewRaster(0), 5)
	var surfaces []*Surface
	for i := 0; i < 5; i++ {
		s, err := pool.Acquire(2, 2)
		require.NoError(t, err)
		surfaces = append(surfaces, s)
	}
	for _, s := range surfaces {
		pool.Release(s)
	}
	require.Equal(t, 5, pool.Len())

	pool.SetMaxPoolSize(2)
	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, 2, pool.MaxSize())

	pool.Clear()
	assert.Equal(t, 0, pool.Len())
	for _, s := range surfaces {
		assert.True(t, s.Destroyed())
	}
}

func TestPoolIgnoresDoubleRelease(t *testing.T) {
	pool := NewPool(NewRaster(0), DefaultMaxPoolSize)
	s, err := pool.Acquire(2, 2)
	require.NoError(t, err)

	pool.Release(s)
	pool.Release(s)
	assert.Equal(t, 1, pool.Len())
}

type failingAllocator struct{}

func (failingAllocator) NewSurface(int, int) (*Surface, error) {
	return nil, ErrSurfaceCreation
}

func (failingAllocator) MaxSafeDimension() int { return 100 }

func TestPoolAllocationFailureLeavesStateIntact(t *testing.T) {
	pool := NewPool(failingAllocator{}, DefaultMaxPoolSize)

	_, err := pool.Acquire(10, 10)
	require.True(t, errors.Is(err, ErrSurfaceCreation))

	_, err = pool.Acquire(101, 10)
	require.True(t, errors.Is(err, ErrSurfaceCreation))

	assert.Equal(t, Stats{}, pool.Stats())
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	pool := NewPool(NewRaster(0), 4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s, err := pool.Acquire(8+g, 8+i%5)
				if err != nil {
					t.Error(err)
					return
				}
				pool.Release(s)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.Len(), 4)
	st := pool.Stats()
	assert.Equal(t, uint64(400), st.Hits+st.Misses)
	assert.Equal(t, uint64(400), st.Releases)
}
