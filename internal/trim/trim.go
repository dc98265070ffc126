// Package trim crops a surface to the bounding box of its non-transparent pixels.
package trim

import (
	"fmt"

	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/surface"
)

// Bounds scans a row-major alpha plane of size w×h and returns the smallest
// rectangle containing every pixel with non-zero alpha. ok is false when the
// plane is fully transparent.
func Bounds(alpha []uint8, w, h int) (geometry.Rect, bool) {
	minX, minY := w, h
	maxX, maxY := -1, -1
	for y := 0; y < h; y++ {
		row := alpha[y*w : (y+1)*w]
		for x, a := range row {
			if a == 0 {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return geometry.Rect{}, false
	}
	return geometry.Rect{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}, true
}

type Allocator interface {
	Acquire(w, h int) (*surface.Surface, error)
	Release(s *surface.Surface)
}

// Apply returns a new surface holding the trimmed region of s, copied without
// resampling. When nothing can be trimmed, s itself is returned with changed
// set to false. The caller keeps ownership of s either way.
func Apply(p surface.Platform, pool Allocator, s *surface.Surface) (out *surface.Surface, changed bool, err error) {
	alpha, err := p.Alpha(s)
	if err != nil {
		return nil, false, fmt.Errorf("read alpha: %w", err)
	}

	box, ok := Bounds(alpha, s.Width(), s.Height())
	if !ok || box == geometry.RectOf(s.Size()) {
		return s, false, nil
	}

	dst, err := pool.Acquire(box.Width, box.Height)
	if err != nil {
		return nil, false, err
	}
	if err := p.Copy(dst, s, box); err != nil {
		pool.Release(dst)
		return nil, false, fmt.Errorf("copy trimmed region: %w", err)
	}
	return dst, true, nil
}
