package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, "input.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newLocalProcessor(t *testing.T, maxDim int, outDir string) *Processor {
	t.Helper()
	raster := surface.NewRaster(maxDim)
	exec := NewExecutor(raster, surface.NewPool(raster, surface.DefaultMaxPoolSize))
	p, err := NewLocalProcessor(exec, outDir)
	require.NoError(t, err)
	return p
}

func TestProcessLocalFile(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 200, 100)
	outDir := filepath.Join(dir, "out")

	p := newLocalProcessor(t, 0, outDir)
	outcome, err := p.Process(context.Background(), Request{
		JobID:      "job/1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  input,
		Operations: []domain.OperationStep{
			{Type: domain.OperationResize, Width: 50, Height: 50, Fit: "cover"},
		},
		Output: domain.OutputSpec{Format: "png"},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "job_1.png"), outcome.Output.Path)
	assert.Equal(t, 50, outcome.Output.Width)
	assert.Equal(t, 50, outcome.Output.Height)
	assert.Equal(t, 200, outcome.OriginalSize.Width)
	assert.Equal(t, "png", outcome.SourceFormat)
	assert.Positive(t, outcome.SourceBytes)
	require.Len(t, outcome.Stages, 1)

	data, err := os.ReadFile(outcome.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, outcome.Output.Bytes, len(data))
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 50, cfg.Height)

	assert.Equal(t, int64(0), outstanding(p.Executor().Pool().Stats()))
}

func TestProcessDefaultsToSourceFormat(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 20, 20)

	p := newLocalProcessor(t, 0, dir)
	outcome, err := p.Process(context.Background(), Request{
		JobID:      "job-2",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  input,
		Operations: []domain.OperationStep{{Type: domain.OperationTrim}},
	})
	require.NoError(t, err)
	assert.Equal(t, "png", outcome.Output.Format)
}

func TestProcessRejectsOversizedSource(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 100, 10)

	p := newLocalProcessor(t, 64, dir)
	_, err := p.Process(context.Background(), Request{
		JobID:      "job-3",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  input,
		Operations: []domain.OperationStep{{Type: domain.OperationResize, Width: 10}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceTooLarge)
	assert.Contains(t, err.Error(), "decode stage")
}

func TestProcessWrapsStageErrors(t *testing.T) {
	dir := t.TempDir()
	p := newLocalProcessor(t, 0, dir)

	_, err := p.Process(context.Background(), Request{
		JobID:      "job-4",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "input.png",
		Operations: []domain.OperationStep{{Type: domain.OperationTrim}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
	assert.Contains(t, err.Error(), "fetch stage")

	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	_, err = p.Process(context.Background(), Request{
		JobID:      "job-5",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  bad,
		Operations: []domain.OperationStep{{Type: domain.OperationTrim}},
	})
	assert.Contains(t, err.Error(), "decode stage")
}

func TestProcessValidatesRequest(t *testing.T) {
	p := newLocalProcessor(t, 0, t.TempDir())

	_, err := p.Process(context.Background(), Request{SourceType: domain.SourceTypeLocalFile})
	assert.EqualError(t, err, "job_id is required")

	_, err = p.Process(context.Background(), Request{JobID: "x", Operations: []domain.OperationStep{{Type: "sharpen"}}})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = p.Process(context.Background(), Request{
		JobID:      "x",
		Operations: []domain.OperationStep{{Type: domain.OperationTrim}},
		Preference: "fastest",
	})
	assert.Error(t, err)
}

type memoryObjects map[string][]byte

func (m memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m memoryObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	m[key] = data
	return nil
}

func TestObjectStoreProcessor(t *testing.T) {
	dir := t.TempDir()
	input, err := os.ReadFile(writePNG(t, dir, 64, 32))
	require.NoError(t, err)

	objects := memoryObjects{"uploads/a.png": input}
	raster := surface.NewRaster(0)
	exec := NewExecutor(raster, surface.NewPool(raster, surface.DefaultMaxPoolSize))
	p, err := NewObjectStoreProcessor(exec, objects, "")
	require.NoError(t, err)

	outcome, err := p.Process(context.Background(), Request{
		JobID:      "abc",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/a.png",
		Operations: []domain.OperationStep{{Type: domain.OperationResize, Width: 16}},
		Output:     domain.OutputSpec{Format: "jpg", Quality: 80},
	})
	require.NoError(t, err)
	assert.Equal(t, "outputs/abc.jpeg", outcome.Output.Path)
	assert.Equal(t, 16, outcome.Output.Width)
	assert.Equal(t, 8, outcome.Output.Height)
	assert.Contains(t, objects, "outputs/abc.jpeg")
}

func TestOperationsFromSteps(t *testing.T) {
	ops, err := OperationsFromSteps([]domain.OperationStep{
		{Type: "Resize", Width: 10, Fit: "contain", Anchor: "north", Background: "#ff000080"},
		{Type: "blur", Radius: 1.5},
		{Type: "trim"},
	})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, KindResize, ops[0].Kind)
	assert.Equal(t, uint8(0x80), ops[0].Resize.Background.A)
	assert.Equal(t, 1.5, ops[1].Radius)
	assert.Equal(t, KindTrim, ops[2].Kind)

	_, err = OperationsFromSteps([]domain.OperationStep{{Type: "resize", Fit: "squash"}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "operations[0]")
}

type cancelOnBlur struct {
	*surface.Raster
	cancel context.CancelFunc
}

func (c *cancelOnBlur) Blur(s *surface.Surface, radius float64) error {
	c.cancel()
	return c.Raster.Blur(s, radius)
}

func TestProcessStopsBeforeEncodeWhenCanceled(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 64, 64)
	outDir := filepath.Join(dir, "out")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	platform := &cancelOnBlur{Raster: surface.NewRaster(0), cancel: cancel}
	exec := NewExecutor(platform, surface.NewPool(platform, surface.DefaultMaxPoolSize))
	p, err := NewLocalProcessor(exec, outDir)
	require.NoError(t, err)

	_, err = p.Process(ctx, Request{
		JobID:      "late-cancel",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  input,
		Operations: []domain.OperationStep{{Type: "blur", Radius: 1}},
		Output:     domain.OutputSpec{Format: "png"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "encode stage")

	entries, _ := os.ReadDir(outDir)
	assert.Empty(t, entries)
}
