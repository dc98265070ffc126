// Package downscale plans multi-step shrinking so that no single resampling pass
// reduces an axis by more than a bounded ratio.
package downscale

import (
	"fmt"
	"math"
	"strings"

	"github.com/dunamismax/pixelfit/internal/geometry"
)

type Quality int

const (
	Balanced Quality = iota
	Fast
	High
)

func (q Quality) String() string {
	switch q {
	case Fast:
		return "fast"
	case High:
		return "high"
	default:
		return "balanced"
	}
}

func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return Balanced, nil
	case "fast", "speed":
		return Fast, nil
	case "high", "quality":
		return High, nil
	default:
		return Balanced, fmt.Errorf("unsupported quality: %q", s)
	}
}

const (
	DefaultMinStepRatio = 0.5
	DefaultMaxSteps     = 10
)

type Options struct {
	MinStepRatio float64
	MaxSteps     int
}

func (o Options) withDefaults() Options {
	if o.MinStepRatio <= 0 || o.MinStepRatio >= 1 {
		o.MinStepRatio = DefaultMinStepRatio
	}
	if o.MaxSteps < 1 {
		o.MaxSteps = DefaultMaxSteps
	}
	return o
}

// Plan returns the per-step scale ratios for shrinking src to target. The product of
// the ratios equals min(tw/sw, th/sh). Every ratio except the last is at least
// MinStepRatio.
func Plan(src, target geometry.Dimensions, q Quality, opts Options) ([]float64, error) {
	if !src.Valid() {
		return nil, &geometry.DegenerateSourceError{Size: src}
	}
	if !target.Valid() {
		return nil, &geometry.InvalidTargetError{Width: target.Width, Height: target.Height}
	}
	opts = opts.withDefaults()

	minScale := MinScale(src, target)
	if minScale >= opts.MinStepRatio || q == Fast {
		return []float64{minScale}, nil
	}

	steps := int(math.Ceil(math.Log2(1 / minScale)))
	steps = max(1, min(opts.MaxSteps, steps))

	ratio := math.Max(opts.MinStepRatio, math.Pow(minScale, 1/float64(steps)))
	plan := make([]float64, steps)
	product := 1.0
	for i := 0; i < steps-1; i++ {
		plan[i] = ratio
		product *= ratio
	}
	plan[steps-1] = minScale / product
	return plan, nil
}

func MinScale(src, target geometry.Dimensions) float64 {
	return math.Min(
		float64(target.Width)/float64(src.Width),
		float64(target.Height)/float64(src.Height),
	)
}

// Cumulative converts per-step ratios into scales relative to the original source.
func Cumulative(plan []float64) []float64 {
	out := make([]float64, len(plan))
	acc := 1.0
	for i, r := range plan {
		acc *= r
		out[i] = acc
	}
	return out
}

// StageSizes derives the pixel size of every stage. Sizes shrink monotonically,
// never drop below target, and the final stage lands on target exactly.
func StageSizes(src, target geometry.Dimensions, plan []float64) []geometry.Dimensions {
	if len(plan) == 0 {
		return nil
	}
	out := make([]geometry.Dimensions, len(plan))
	cur := src
	for i, r := range plan {
		if i == len(plan)-1 {
			out[i] = target
			break
		}
		next := geometry.Dimensions{
			Width:  stageDim(cur.Width, target.Width, r),
			Height: stageDim(cur.Height, target.Height, r),
		}
		out[i] = next
		cur = next
	}
	return out
}

func stageDim(cur, target int, ratio float64) int {
	if cur <= target {
		return cur
	}
	return min(cur, max(target, int(math.Floor(float64(cur)*ratio))))
}
