package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/strategy"
	"github.com/dunamismax/pixelfit/internal/surface"
	"github.com/dunamismax/pixelfit/internal/trim"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const StageLoad = "load"

type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage index=%d: %v", e.Stage, e.Index, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type StageReport struct {
	Index   int           `json:"index"`
	Kind    string        `json:"kind"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Passes  int           `json:"passes"`
	Elapsed time.Duration `json:"elapsed"`
}

type Result struct {
	Surface      *surface.Surface
	Width        int
	Height       int
	Elapsed      time.Duration
	ElapsedMS    int64
	OriginalSize geometry.Dimensions
	Analysis     strategy.ImageAnalysis
	Quality      downscale.Quality
	Stages       []StageReport
}

type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithPlanner(opts downscale.Options) Option {
	return func(e *Executor) { e.planner = opts }
}

func WithPreference(pref strategy.Preference) Option {
	return func(e *Executor) { e.preference = pref }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs operation lists against pooled surfaces. It holds no per-request
// state and may be shared between goroutines; the pool serializes its own access.
type Executor struct {
	platform   surface.Platform
	pool       *surface.Pool
	selector   strategy.Selector
	planner    downscale.Options
	preference strategy.Preference
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewExecutor(platform surface.Platform, pool *surface.Pool, opts ...Option) *Executor {
	e := &Executor{
		platform: platform,
		pool:     pool,
		selector: strategy.Selector{MaxSafeDimension: platform.MaxSafeDimension()},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("pixelfit/pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Pool() *surface.Pool {
	return e.pool
}

func (e *Executor) Platform() surface.Platform {
	return e.platform
}

// Preference is the scaling preference used when a request names none.
func (e *Executor) Preference() strategy.Preference {
	return e.preference
}

func (e *Executor) Analyze(d geometry.Dimensions) strategy.ImageAnalysis {
	return e.selector.Analyze(d)
}

func (e *Executor) Execute(ctx context.Context, src *surface.Surface, ops []Operation) (Result, error) {
	return e.ExecuteWith(ctx, src, ops, e.preference)
}

// ExecuteWith runs ops in order against a copy of src. The returned Result owns
// its Surface; callers hand it back to the pool when done. On failure every
// surface the executor acquired has already been released.
func (e *Executor) ExecuteWith(ctx context.Context, src *surface.Surface, ops []Operation, pref strategy.Preference) (Result, error) {
	startedAt := e.now()

	if src == nil || src.Destroyed() || !src.Size().Valid() {
		var size geometry.Dimensions
		if src != nil {
			size = src.Size()
		}
		return Result{}, &StageError{Stage: StageLoad, Index: -1, Err: &geometry.DegenerateSourceError{Size: size}}
	}

	original := src.Size()
	analysis := e.selector.Analyze(original)
	quality := analysis.Quality(pref)

	ctx, span := e.tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(
		attribute.Int("image.width", original.Width),
		attribute.Int("image.height", original.Height),
		attribute.String("image.strategy", analysis.Strategy.String()),
		attribute.String("pipeline.quality", quality.String()),
		attribute.Int("pipeline.operations", len(ops)),
	)
	defer span.End()

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		e.logger.Warn("pipeline aborted", zap.Error(err))
		return Result{}, err
	}

	current, err := e.pool.Acquire(original.Width, original.Height)
	if err != nil {
		return fail(&StageError{Stage: StageLoad, Index: -1, Err: err})
	}
	if err := e.platform.Copy(current, src, geometry.RectOf(original)); err != nil {
		e.pool.Release(current)
		return fail(&StageError{Stage: StageLoad, Index: -1, Err: err})
	}

	reports := make([]StageReport, 0, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			e.pool.Release(current)
			return fail(&StageError{Stage: op.Kind.String(), Index: i, Err: err})
		}

		stageStart := e.now()
		next, passes, err := e.runStage(ctx, current, op, quality)
		if err != nil {
			e.pool.Release(current)
			return fail(&StageError{Stage: op.Kind.String(), Index: i, Err: err})
		}
		if next != current {
			e.pool.Release(current)
			current = next
		}

		report := StageReport{
			Index:   i,
			Kind:    op.Kind.String(),
			Width:   current.Width(),
			Height:  current.Height(),
			Passes:  passes,
			Elapsed: e.now().Sub(stageStart),
		}
		reports = append(reports, report)
		e.logger.Debug("stage complete",
			zap.Int("index", i),
			zap.String("kind", report.Kind),
			zap.Int("width", report.Width),
			zap.Int("height", report.Height),
			zap.Int("passes", passes),
			zap.Duration("elapsed", report.Elapsed),
		)
	}

	elapsed := e.now().Sub(startedAt)
	span.SetStatus(codes.Ok, "executed")
	return Result{
		Surface:      current,
		Width:        current.Width(),
		Height:       current.Height(),
		Elapsed:      elapsed,
		ElapsedMS:    elapsed.Milliseconds(),
		OriginalSize: original,
		Analysis:     analysis,
		Quality:      quality,
		Stages:       reports,
	}, nil
}

func (e *Executor) runStage(ctx context.Context, current *surface.Surface, op Operation, q downscale.Quality) (*surface.Surface, int, error) {
	_, span := e.tracer.Start(ctx, "pipeline.stage."+op.Kind.String())
	defer span.End()

	var (
		next   *surface.Surface
		passes int
		err    error
	)
	switch op.Kind {
	case KindResize:
		next, passes, err = e.resize(current, op.Resize, q)
	case KindBlur:
		next, passes = current, 1
		err = e.platform.Blur(current, op.Radius)
	case KindTrim:
		next, _, err = trim.Apply(e.platform, e.pool, current)
		passes = 1
	default:
		err = fmt.Errorf("%w: %s", ErrInvalidOperation, op.Kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		return nil, 0, err
	}
	return next, passes, nil
}

var ErrInvalidOperation = errors.New("invalid pipeline operation")

// resize draws current into a freshly acquired canvas. Large reductions pass
// through pooled intermediate surfaces sized by the downscale plan. AtMost
// canvases are cropped to the placed content afterwards.
func (e *Executor) resize(current *surface.Surface, spec geometry.ResizeSpec, q downscale.Quality) (*surface.Surface, int, error) {
	geo, err := geometry.Resolve(current.Size(), spec)
	if err != nil {
		return nil, 0, err
	}
	if !spec.HasTarget() {
		return current, 0, nil
	}

	content := geo.DestRect.Size()
	plan, err := downscale.Plan(geo.SourceRect.Size(), content, q, e.planner)
	if err != nil {
		return nil, 0, err
	}

	work := current
	release := func(s *surface.Surface) {
		if s != current {
			e.pool.Release(s)
		}
	}

	stages := downscale.StageSizes(geo.SourceRect.Size(), content, plan)
	staged := geo
	for _, size := range stages[:len(stages)-1] {
		next, err := e.pool.Acquire(size.Width, size.Height)
		if err != nil {
			release(work)
			return nil, 0, err
		}
		if err := e.platform.Draw(next, work, staged.SourceRect, geometry.RectOf(size), q); err != nil {
			e.pool.Release(next)
			release(work)
			return nil, 0, err
		}
		release(work)
		work = next
		staged.SourceRect = geometry.RectOf(size)
	}

	canvas, err := e.pool.Acquire(geo.Canvas.Width, geo.Canvas.Height)
	if err != nil {
		release(work)
		return nil, 0, err
	}
	cleanup := func() {
		e.pool.Release(canvas)
		release(work)
	}

	if geo.Background.A != 0 && geo.Padded() {
		if err := e.platform.Fill(canvas, geo.Background); err != nil {
			cleanup()
			return nil, 0, err
		}
	}

	srcRect, dstRect := staged.Clip()
	if err := e.platform.Draw(canvas, work, srcRect, dstRect, q); err != nil {
		cleanup()
		return nil, 0, err
	}
	release(work)

	if !geo.TrimAfter {
		return canvas, len(plan), nil
	}
	cropped, err := e.crop(canvas, dstRect)
	if err != nil {
		e.pool.Release(canvas)
		return nil, 0, err
	}
	return cropped, len(plan), nil
}

// crop strips padding by copying the drawn content rect out of canvas. The
// rect comes from the geometry, so transparent pixels inside the content
// survive. canvas is released when a new surface replaces it.
func (e *Executor) crop(canvas *surface.Surface, content geometry.Rect) (*surface.Surface, error) {
	if content == geometry.RectOf(canvas.Size()) {
		return canvas, nil
	}
	out, err := e.pool.Acquire(content.Width, content.Height)
	if err != nil {
		return nil, err
	}
	if err := e.platform.Copy(out, canvas, content); err != nil {
		e.pool.Release(out)
		return nil, err
	}
	e.pool.Release(canvas)
	return out, nil
}
