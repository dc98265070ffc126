package surface

import (
	"fmt"
	"slices"
	"sync"
)

const (
	DefaultMaxPoolSize = 10
	// MaxPooledArea is the largest surface area kept for reuse. Bigger surfaces
	// are destroyed on release to bound peak memory.
	MaxPooledArea = 2048 * 2048
)

type Allocator interface {
	NewSurface(w, h int) (*Surface, error)
	MaxSafeDimension() int
}

type Stats struct {
	Pooled    int
	Hits      uint64
	Misses    uint64
	Releases  uint64
	Destroyed uint64
}

// Pool caches released surfaces for reuse. All methods are safe for concurrent
// use; the pool is the only state shared between pipelines.
type Pool struct {
	mu      sync.Mutex
	alloc   Allocator
	free    []*Surface
	maxSize int
	stats   Stats
}

func NewPool(alloc Allocator, maxSize int) *Pool {
	if maxSize < 0 {
		maxSize = DefaultMaxPoolSize
	}
	return &Pool{
		alloc:   alloc,
		free:    make([]*Surface, 0, maxSize),
		maxSize: maxSize,
	}
}

// Acquire returns a cleared w×h surface, reusing a pooled one when available.
func (p *Pool) Acquire(w, h int) (*Surface, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrSurfaceCreation, w, h)
	}
	if limit := p.alloc.MaxSafeDimension(); w > limit || h > limit {
		return nil, fmt.Errorf("%w: %dx%d exceeds max dimension %d", ErrSurfaceCreation, w, h, limit)
	}

	if s := p.pop(w * h * 4); s != nil {
		s.reset(w, h)
		return s, nil
	}

	s, err := p.alloc.NewSurface(w, h)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.Misses++
	p.mu.Unlock()
	return s, nil
}

// pop prefers a pooled surface whose buffer already fits n bytes.
func (p *Pool) pop(n int) *Surface {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil
	}
	idx := len(p.free) - 1
	for i, s := range p.free {
		if cap(s.img.Pix) >= n {
			idx = i
			break
		}
	}
	s := p.free[idx]
	p.free = slices.Delete(p.free, idx, idx+1)
	p.stats.Hits++
	return s
}

// Release hands s back to the pool. Oversized surfaces, and surfaces released
// while the pool is full, are destroyed.
func (p *Pool) Release(s *Surface) {
	if s == nil || s.Destroyed() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if slices.Contains(p.free, s) {
		return
	}
	p.stats.Releases++
	if s.Area() > MaxPooledArea || len(p.free) >= p.maxSize {
		s.Destroy()
		p.stats.Destroyed++
		return
	}
	p.free = append(p.free, s)
}

// SetMaxPoolSize changes the capacity, destroying surplus pooled surfaces.
func (p *Pool) SetMaxPoolSize(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.maxSize = n
	for len(p.free) > n {
		last := len(p.free) - 1
		p.free[last].Destroy()
		p.free[last] = nil
		p.free = p.free[:last]
		p.stats.Destroyed++
	}
}

func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.free {
		s.Destroy()
		p.free[i] = nil
		p.stats.Destroyed++
	}
	p.free = p.free[:0]
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Pooled = len(p.free)
	return st
}
