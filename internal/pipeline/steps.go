package pipeline

import (
	"fmt"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/geometry"
)

// OperationsFromSteps converts wire-level steps into executor operations.
func OperationsFromSteps(steps []domain.OperationStep) ([]Operation, error) {
	ops := make([]Operation, 0, len(steps))
	for i, step := range steps {
		op, err := operationFromStep(step)
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func operationFromStep(step domain.OperationStep) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(step.Type)) {
	case domain.OperationResize:
		spec, err := ResizeSpecFromStep(step)
		if err != nil {
			return Operation{}, err
		}
		return Resize(spec), nil
	case domain.OperationBlur:
		return Blur(step.Radius), nil
	case domain.OperationTrim:
		return Trim(), nil
	default:
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidOperation, step.Type)
	}
}

func ResizeSpecFromStep(step domain.OperationStep) (geometry.ResizeSpec, error) {
	fit, err := geometry.ParseFitMode(step.Fit)
	if err != nil {
		return geometry.ResizeSpec{}, err
	}
	anchor, err := geometry.ParseAnchor(step.Anchor)
	if err != nil {
		return geometry.ResizeSpec{}, err
	}

	spec := geometry.ResizeSpec{
		Width:              step.Width,
		Height:             step.Height,
		Fit:                fit,
		Anchor:             anchor,
		WithoutEnlargement: step.WithoutEnlargement,
		WithoutReduction:   step.WithoutReduction,
	}
	if strings.TrimSpace(step.Background) != "" {
		bg, err := domain.ParseHexColor(step.Background)
		if err != nil {
			return geometry.ResizeSpec{}, err
		}
		spec.Background = bg
	}
	return spec, nil
}
