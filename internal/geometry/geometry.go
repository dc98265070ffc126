// Package geometry turns declarative fit options into exact pixel rectangles.
//
// Everything here is pure and safe for concurrent use.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

func (d Dimensions) Area() int64 {
	return int64(d.Width) * int64(d.Height)
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func RectOf(d Dimensions) Rect {
	return Rect{Width: d.Width, Height: d.Height}
}

func (r Rect) Size() Dimensions {
	return Dimensions{Width: r.Width, Height: r.Height}
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) MaxX() int { return r.X + r.Width }
func (r Rect) MaxY() int { return r.Y + r.Height }

// Intersect returns the overlap of r and o, or the zero Rect when they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.MaxX(), o.MaxX()), min(r.MaxY(), o.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Within reports whether r lies entirely inside o.
func (r Rect) Within(o Rect) bool {
	return r.X >= o.X && r.Y >= o.Y && r.MaxX() <= o.MaxX() && r.MaxY() <= o.MaxY()
}

var ErrConflictingBounds = errors.New("without_enlargement and without_reduction cannot be combined for this fit")

type DegenerateSourceError struct {
	Size Dimensions
}

func (e *DegenerateSourceError) Error() string {
	return fmt.Sprintf("degenerate source dimensions %s", e.Size)
}

type InvalidTargetError struct {
	Width  int
	Height int
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target dimensions %dx%d", e.Width, e.Height)
}

// RoundDim rounds half away from zero and coerces results below 1 to 1.
func RoundDim(v float64) int {
	r := int(math.Round(v))
	if r < 1 {
		return 1
	}
	return r
}
