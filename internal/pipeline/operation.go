package pipeline

import (
	"fmt"

	"github.com/dunamismax/pixelfit/internal/geometry"
)

type Kind int

const (
	KindResize Kind = iota + 1
	KindBlur
	KindTrim
)

func (k Kind) String() string {
	switch k {
	case KindResize:
		return "resize"
	case KindBlur:
		return "blur"
	case KindTrim:
		return "trim"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is one stage of a pipeline. Only the payload matching Kind is
// meaningful; build values with Resize, Blur and Trim.
type Operation struct {
	Kind   Kind
	Resize geometry.ResizeSpec
	Radius float64
}

func Resize(spec geometry.ResizeSpec) Operation {
	return Operation{Kind: KindResize, Resize: spec}
}

func Blur(radius float64) Operation {
	return Operation{Kind: KindBlur, Radius: radius}
}

func Trim() Operation {
	return Operation{Kind: KindTrim}
}
