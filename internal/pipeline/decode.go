package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/surface"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Decoder interface {
	DecodeConfig(ctx context.Context, data []byte) (geometry.Dimensions, string, error)
	Decode(ctx context.Context, data []byte) (*surface.Surface, string, error)
}

// ImageDecoder decodes every format registered with the image package.
type ImageDecoder struct{}

func (ImageDecoder) DecodeConfig(ctx context.Context, data []byte) (geometry.Dimensions, string, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Dimensions{}, "", err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return geometry.Dimensions{}, "", fmt.Errorf("decode source header: %w", err)
	}
	return geometry.Dimensions{Width: cfg.Width, Height: cfg.Height}, format, nil
}

func (ImageDecoder) Decode(ctx context.Context, data []byte) (*surface.Surface, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	return surface.FromImage(img), format, nil
}
