package geometry

import (
	"fmt"
	"image/color"
	"math"
	"strings"
)

type FitMode int

const (
	Cover FitMode = iota
	Pad
	Stretch
	AtMost
	AtLeast
)

func (f FitMode) String() string {
	switch f {
	case Cover:
		return "cover"
	case Pad:
		return "pad"
	case Stretch:
		return "stretch"
	case AtMost:
		return "at_most"
	case AtLeast:
		return "at_least"
	default:
		return fmt.Sprintf("fit(%d)", int(f))
	}
}

func ParseFitMode(s string) (FitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cover":
		return Cover, nil
	case "pad", "contain":
		return Pad, nil
	case "stretch", "fill":
		return Stretch, nil
	case "at_most", "inside":
		return AtMost, nil
	case "at_least", "outside":
		return AtLeast, nil
	default:
		return Cover, fmt.Errorf("unsupported fit mode: %q", s)
	}
}

type Anchor int

const (
	Center Anchor = iota
	North
	South
	East
	West
	NorthEast
	NorthWest
	SouthEast
	SouthWest
)

func ParseAnchor(s string) (Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "center", "centre":
		return Center, nil
	case "north", "top":
		return North, nil
	case "south", "bottom":
		return South, nil
	case "east", "right":
		return East, nil
	case "west", "left":
		return West, nil
	case "northeast":
		return NorthEast, nil
	case "northwest":
		return NorthWest, nil
	case "southeast":
		return SouthEast, nil
	case "southwest":
		return SouthWest, nil
	default:
		return Center, fmt.Errorf("unsupported anchor: %q", s)
	}
}

// offset places a content span of length inner inside outer. Negative results mean
// the content overflows the canvas on that axis.
func (a Anchor) offset(outerW, innerW, outerH, innerH int) (int, int) {
	x := (outerW - innerW) / 2
	y := (outerH - innerH) / 2
	switch a {
	case North, NorthEast, NorthWest:
		y = 0
	case South, SouthEast, SouthWest:
		y = outerH - innerH
	}
	switch a {
	case West, NorthWest, SouthWest:
		x = 0
	case East, NorthEast, SouthEast:
		x = outerW - innerW
	}
	return x, y
}

type ResizeSpec struct {
	Width              int
	Height             int
	Fit                FitMode
	Anchor             Anchor
	Background         color.NRGBA
	WithoutEnlargement bool
	WithoutReduction   bool
}

func (s ResizeSpec) HasTarget() bool {
	return s.Width > 0 || s.Height > 0
}

type Result struct {
	Canvas     Dimensions `json:"canvas"`
	SourceRect Rect       `json:"source_rect"`
	// DestRect is the unclipped placement of SourceRect on the canvas. Cover
	// placements extend past the canvas edges.
	DestRect   Rect        `json:"dest_rect"`
	Background color.NRGBA `json:"-"`
	// TrimAfter asks the executor to strip padding once the canvas is drawn.
	TrimAfter bool `json:"trim_after"`
}

func identity(src Dimensions) Result {
	full := RectOf(src)
	return Result{Canvas: src, SourceRect: full, DestRect: full}
}

// Padded reports whether part of the canvas is not covered by content.
func (r Result) Padded() bool {
	return !RectOf(r.Canvas).Within(r.DestRect)
}

// Clip maps the placement onto the canvas and returns the source and destination
// rectangles that are actually drawn. The destination is always inside the canvas.
func (r Result) Clip() (Rect, Rect) {
	canvas := RectOf(r.Canvas)
	dst := r.DestRect.Intersect(canvas)
	if dst.Empty() || r.DestRect.Empty() {
		return Rect{}, Rect{}
	}
	if dst == r.DestRect {
		return r.SourceRect, dst
	}

	sx := float64(r.SourceRect.Width) / float64(r.DestRect.Width)
	sy := float64(r.SourceRect.Height) / float64(r.DestRect.Height)

	x0 := r.SourceRect.X + int(math.Round(float64(dst.X-r.DestRect.X)*sx))
	y0 := r.SourceRect.Y + int(math.Round(float64(dst.Y-r.DestRect.Y)*sy))
	x1 := r.SourceRect.X + int(math.Round(float64(dst.MaxX()-r.DestRect.X)*sx))
	y1 := r.SourceRect.Y + int(math.Round(float64(dst.MaxY()-r.DestRect.Y)*sy))

	src := Rect{X: x0, Y: y0, Width: max(1, x1-x0), Height: max(1, y1-y0)}
	return src.Intersect(r.SourceRect), dst
}

// Resolve computes the canvas and placement for fitting a source of size src into
// spec. A spec without target dimensions yields identity geometry.
func Resolve(src Dimensions, spec ResizeSpec) (Result, error) {
	if !src.Valid() {
		return Result{}, &DegenerateSourceError{Size: src}
	}
	if spec.Width < 0 || spec.Height < 0 {
		return Result{}, &InvalidTargetError{Width: spec.Width, Height: spec.Height}
	}
	if !spec.HasTarget() {
		return identity(src), nil
	}

	withoutEnlargement := spec.WithoutEnlargement
	withoutReduction := spec.WithoutReduction
	switch spec.Fit {
	case AtMost:
		if withoutReduction {
			return Result{}, ErrConflictingBounds
		}
		withoutEnlargement = true
	case AtLeast:
		if withoutEnlargement {
			return Result{}, ErrConflictingBounds
		}
		withoutReduction = true
	default:
		if withoutEnlargement && withoutReduction {
			return Result{}, ErrConflictingBounds
		}
	}

	target := deriveTarget(src, spec.Width, spec.Height)
	// Letterboxed fits keep the requested box and cap the content scale at 1;
	// the other fits shrink the box itself.
	letterbox := spec.Fit == Pad || spec.Fit == AtMost
	if withoutEnlargement && !letterbox {
		target = shrinkToFit(src, target)
	}
	maxScale := math.Inf(1)
	if withoutEnlargement && letterbox {
		maxScale = 1
	}
	if withoutReduction {
		target = growToCover(src, target)
	}

	switch spec.Fit {
	case Stretch:
		return Result{
			Canvas:     target,
			SourceRect: RectOf(src),
			DestRect:   RectOf(target),
		}, nil
	case Pad:
		return place(src, target, fitScale(src, target, math.Min, maxScale), spec.Anchor, spec.Background), nil
	case AtMost:
		res := place(src, target, fitScale(src, target, math.Min, maxScale), spec.Anchor, color.NRGBA{})
		res.TrimAfter = res.Padded()
		return res, nil
	case Cover, AtLeast:
		return place(src, target, fitScale(src, target, math.Max, maxScale), spec.Anchor, spec.Background), nil
	default:
		return Result{}, fmt.Errorf("unsupported fit mode: %s", spec.Fit)
	}
}

func deriveTarget(src Dimensions, w, h int) Dimensions {
	switch {
	case w > 0 && h > 0:
		return Dimensions{Width: w, Height: h}
	case w > 0:
		return Dimensions{Width: w, Height: RoundDim(float64(w) * float64(src.Height) / float64(src.Width))}
	default:
		return Dimensions{Width: RoundDim(float64(h) * float64(src.Width) / float64(src.Height)), Height: h}
	}
}

func shrinkToFit(src, target Dimensions) Dimensions {
	if target.Width <= src.Width && target.Height <= src.Height {
		return target
	}
	f := math.Min(float64(src.Width)/float64(target.Width), float64(src.Height)/float64(target.Height))
	return scaleDims(target, f)
}

func growToCover(src, target Dimensions) Dimensions {
	if target.Width >= src.Width && target.Height >= src.Height {
		return target
	}
	f := math.Max(float64(src.Width)/float64(target.Width), float64(src.Height)/float64(target.Height))
	return scaleDims(target, f)
}

func scaleDims(d Dimensions, f float64) Dimensions {
	return Dimensions{
		Width:  RoundDim(float64(d.Width) * f),
		Height: RoundDim(float64(d.Height) * f),
	}
}

func fitScale(src, target Dimensions, pick func(a, b float64) float64, limit float64) float64 {
	scale := pick(float64(target.Width)/float64(src.Width), float64(target.Height)/float64(src.Height))
	return math.Min(scale, limit)
}

func place(src, target Dimensions, scale float64, anchor Anchor, bg color.NRGBA) Result {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = math.SmallestNonzeroFloat64
	}
	content := scaleDims(src, scale)
	x, y := anchor.offset(target.Width, content.Width, target.Height, content.Height)
	return Result{
		Canvas:     target,
		SourceRect: RectOf(src),
		DestRect:   Rect{X: x, Y: y, Width: content.Width, Height: content.Height},
		Background: bg,
	}
}
