package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/strategy"
	"github.com/dunamismax/pixelfit/internal/surface"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrSourceTooLarge        = errors.New("source exceeds max safe dimension")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Operations []domain.OperationStep
	Output     domain.OutputSpec
	Preference string
}

type Output struct {
	Format string `json:"format"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Outcome describes one processed request.
type Outcome struct {
	Output       Output                 `json:"output"`
	SourceBytes  int                    `json:"source_bytes"`
	SourceFormat string                 `json:"source_format"`
	OriginalSize geometry.Dimensions    `json:"original_size"`
	Analysis     strategy.ImageAnalysis `json:"analysis"`
	Quality      string                 `json:"quality"`
	Stages       []StageReport          `json:"stages"`
	ElapsedMS    int64                  `json:"elapsed_ms"`
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

// Processor wraps an Executor with byte-level input and output: fetch, decode,
// execute, encode and emit.
type Processor struct {
	fetcher  Fetcher
	decoder  Decoder
	executor *Executor
	emitter  Emitter
}

func NewProcessor(fetcher Fetcher, decoder Decoder, executor *Executor, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if decoder == nil {
		decoder = ImageDecoder{}
	}
	return &Processor{fetcher: fetcher, decoder: decoder, executor: executor, emitter: emitter}, nil
}

func NewLocalProcessor(executor *Executor, outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, ImageDecoder{}, executor, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Executor() *Executor {
	return p.executor
}

func (p *Processor) Process(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Outcome{}, errors.New("job_id is required")
	}
	if len(req.Operations) == 0 {
		return Outcome{}, errors.New("operations must contain at least one step")
	}
	ops, err := OperationsFromSteps(req.Operations)
	if err != nil {
		return Outcome{}, err
	}
	pref := p.executor.Preference()
	if strings.TrimSpace(req.Preference) != "" {
		if pref, err = strategy.ParsePreference(req.Preference); err != nil {
			return Outcome{}, err
		}
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch stage: %w", err)
	}

	size, _, err := p.decoder.DecodeConfig(ctx, sourceBytes)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode stage: %w", err)
	}
	if limit := p.executor.Platform().MaxSafeDimension(); size.Width > limit || size.Height > limit {
		return Outcome{}, fmt.Errorf("decode stage: %w: %s > %d", ErrSourceTooLarge, size, limit)
	}
	src, format, err := p.decoder.Decode(ctx, sourceBytes)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode stage: %w", err)
	}

	result, err := p.executor.ExecuteWith(ctx, src, ops, pref)
	src.Destroy()
	if err != nil {
		return Outcome{}, fmt.Errorf("execute stage: %w", err)
	}
	defer p.executor.Pool().Release(result.Surface)

	outFormat := req.Output.Format
	if outFormat == "" {
		outFormat = format
	}
	outFormat = surface.NormalizeFormat(outFormat)

	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("encode stage: %w", err)
	}
	encoded, err := p.executor.Platform().Encode(result.Surface, outFormat, req.Output.Quality)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode stage format=%s: %w", outFormat, err)
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("emit stage: %w", err)
	}
	written, err := p.emitter.Emit(ctx, req, encoded, outFormat, result.Width, result.Height)
	if err != nil {
		return Outcome{}, fmt.Errorf("emit stage: %w", err)
	}

	return Outcome{
		Output:       written,
		SourceBytes:  len(sourceBytes),
		SourceFormat: format,
		OriginalSize: result.OriginalSize,
		Analysis:     result.Analysis,
		Quality:      result.Quality.String(),
		Stages:       result.Stages,
		ElapsedMS:    result.ElapsedMS,
	}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(e.OutputDir, outputName(req.JobID, format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Format: surface.NormalizeFormat(format),
		Path:   fullPath,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func outputName(jobID, format string) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(jobID), surface.NormalizeFormat(format))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
