package surface

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
	xdraw "golang.org/x/image/draw"
)

const DefaultMaxDimension = 16384

// Raster is the CPU implementation of Platform.
type Raster struct {
	maxDimension int
}

func NewRaster(maxDimension int) *Raster {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Raster{maxDimension: maxDimension}
}

func (r *Raster) MaxSafeDimension() int {
	return r.maxDimension
}

func (r *Raster) NewSurface(w, h int) (*Surface, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrSurfaceCreation, w, h)
	}
	if w > r.maxDimension || h > r.maxDimension {
		return nil, fmt.Errorf("%w: %dx%d exceeds max dimension %d", ErrSurfaceCreation, w, h, r.maxDimension)
	}
	return newSurface(w, h), nil
}

func (r *Raster) Draw(dst, src *Surface, srcRect, dstRect geometry.Rect, q downscale.Quality) error {
	if err := live(dst, src); err != nil {
		return err
	}
	if srcRect.Empty() || dstRect.Empty() {
		return nil
	}

	sr := toRectangle(srcRect)
	dr := toRectangle(dstRect)
	if !sr.In(src.img.Bounds()) {
		return fmt.Errorf("source rect %v outside surface %v", sr, src.img.Bounds())
	}

	if sr.Dx() == dr.Dx() && sr.Dy() == dr.Dy() {
		xdraw.Draw(dst.img, dr, src.img, sr.Min, xdraw.Over)
		return nil
	}
	interpolator(q).Scale(dst.img, dr, src.img, sr, xdraw.Over, nil)
	return nil
}

// Copy writes the srcRect region of src to the origin of dst verbatim.
func (r *Raster) Copy(dst, src *Surface, srcRect geometry.Rect) error {
	if err := live(dst, src); err != nil {
		return err
	}
	sr := toRectangle(srcRect)
	if !sr.In(src.img.Bounds()) {
		return fmt.Errorf("source rect %v outside surface %v", sr, src.img.Bounds())
	}
	xdraw.Draw(dst.img, image.Rect(0, 0, sr.Dx(), sr.Dy()), src.img, sr.Min, xdraw.Src)
	return nil
}

func (r *Raster) Fill(dst *Surface, c color.NRGBA) error {
	if err := live(dst); err != nil {
		return err
	}
	xdraw.Draw(dst.img, dst.img.Bounds(), image.NewUniform(c), image.Point{}, xdraw.Src)
	return nil
}

func (r *Raster) Alpha(s *Surface) ([]uint8, error) {
	if err := live(s); err != nil {
		return nil, err
	}
	w, h := s.Width(), s.Height()
	alpha := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := s.img.Pix[y*s.img.Stride : y*s.img.Stride+w*4]
		for x := 0; x < w; x++ {
			alpha[y*w+x] = row[x*4+3]
		}
	}
	return alpha, nil
}

func (r *Raster) Blur(s *Surface, radius float64) error {
	if err := live(s); err != nil {
		return err
	}
	if radius <= 0 {
		return nil
	}
	blurred := imaging.Blur(s.img, radius)
	xdraw.Draw(s.img, s.img.Bounds(), blurred, blurred.Bounds().Min, xdraw.Src)
	return nil
}

func (r *Raster) Encode(s *Surface, format string, quality int) ([]byte, error) {
	if err := live(s); err != nil {
		return nil, err
	}
	return encodeImage(s.img, NormalizeFormat(format), quality)
}

func interpolator(q downscale.Quality) xdraw.Interpolator {
	switch q {
	case downscale.Fast:
		return xdraw.ApproxBiLinear
	case downscale.High:
		return xdraw.CatmullRom
	default:
		return xdraw.BiLinear
	}
}

func live(surfaces ...*Surface) error {
	for _, s := range surfaces {
		if s == nil || s.destroyed || s.img == nil {
			return ErrDestroyed
		}
	}
	return nil
}

func toRectangle(r geometry.Rect) image.Rectangle {
	return image.Rect(r.X, r.Y, r.MaxX(), r.MaxY())
}

func copyInto(dst *image.NRGBA, src image.Image) {
	xdraw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, xdraw.Src)
}

func NormalizeFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "png"
	}
}

func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
