// Package strategy classifies a source image into a processing strategy from its
// size and estimated memory footprint. Classification is advisory and never
// allocates pixel memory.
package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
)

type Strategy int

const (
	Direct Strategy = iota
	Chunked
	Stepped
	Tiled
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case Chunked:
		return "chunked"
	case Stepped:
		return "stepped"
	case Tiled:
		return "tiled"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Complexity int

const (
	Low Complexity = iota
	Medium
	High
	Extreme
)

func (c Complexity) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Extreme:
		return "extreme"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

const (
	bytesPerPixel = 4
	mib           = 1 << 20

	DefaultMaxSafeDimension = 16384
	DirectMaxBytes          = 16 * mib
	ChunkedMaxBytes         = 64 * mib
	SteppedMaxBytes         = 256 * mib

	lowComplexityPixels = 2_000_000
	minChunkDimension   = 512
	maxChunkDimension   = 2048
)

type ImageAnalysis struct {
	PixelCount                int64      `json:"pixel_count"`
	EstimatedMemoryBytes      int64      `json:"estimated_memory_bytes"`
	Strategy                  Strategy   `json:"strategy"`
	MaxSafeDimension          int        `json:"max_safe_dimension"`
	RecommendedChunkDimension int        `json:"recommended_chunk_dimension"`
	Complexity                Complexity `json:"complexity"`
}

// Selector holds the thresholds used by Analyze. The zero value uses the defaults.
type Selector struct {
	MaxSafeDimension int
	ChunkBudgetBytes int64
}

func Analyze(d geometry.Dimensions) ImageAnalysis {
	return Selector{}.Analyze(d)
}

func (s Selector) Analyze(d geometry.Dimensions) ImageAnalysis {
	maxSafe := s.MaxSafeDimension
	if maxSafe <= 0 {
		maxSafe = DefaultMaxSafeDimension
	}

	pixels := max(int64(0), d.Area())
	memory := pixels * bytesPerPixel

	var strat Strategy
	switch {
	case d.Width > maxSafe || d.Height > maxSafe:
		strat = Tiled
	case memory <= DirectMaxBytes:
		strat = Direct
	case memory <= ChunkedMaxBytes:
		strat = Chunked
	case memory <= SteppedMaxBytes:
		strat = Stepped
	default:
		strat = Tiled
	}

	return ImageAnalysis{
		PixelCount:                pixels,
		EstimatedMemoryBytes:      memory,
		Strategy:                  strat,
		MaxSafeDimension:          maxSafe,
		RecommendedChunkDimension: s.chunkDimension(),
		Complexity:                complexityFor(strat, pixels),
	}
}

func (s Selector) chunkDimension() int {
	budget := s.ChunkBudgetBytes
	if budget <= 0 {
		budget = DirectMaxBytes
	}
	side := math.Sqrt(float64(budget) / bytesPerPixel)
	side = math.Min(maxChunkDimension, math.Max(minChunkDimension, side))
	return nearestPowerOfTwo(side)
}

// nearestPowerOfTwo rounds v in log space, which keeps the result inside the
// power-of-two chunk clamp.
func nearestPowerOfTwo(v float64) int {
	return 1 << int(math.Round(math.Log2(v)))
}

func complexityFor(s Strategy, pixels int64) Complexity {
	switch s {
	case Direct:
		if pixels < lowComplexityPixels {
			return Low
		}
		return Medium
	case Chunked:
		return Medium
	case Stepped:
		return High
	default:
		return Extreme
	}
}

type Preference int

const (
	Balanced Preference = iota
	Speed
	Quality
)

func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return Balanced, nil
	case "speed", "fast":
		return Speed, nil
	case "quality", "high":
		return Quality, nil
	default:
		return Balanced, fmt.Errorf("unsupported preference: %q", s)
	}
}

// Quality layers a caller preference on top of the classification. Tiled images
// never get the most expensive resampling.
func (a ImageAnalysis) Quality(pref Preference) downscale.Quality {
	switch pref {
	case Speed:
		return downscale.Fast
	case Quality:
		if a.Strategy == Tiled {
			return downscale.Balanced
		}
		return downscale.High
	default:
		if a.Strategy == Direct && a.Complexity == Low {
			return downscale.High
		}
		if a.Strategy == Tiled {
			return downscale.Fast
		}
		return downscale.Balanced
	}
}
