// Package surface provides the raster surfaces the pipeline draws into, the CPU
// platform that implements drawing, blurring and encoding, and a bounded pool of
// reusable surfaces.
package surface

import (
	"errors"
	"image"
	"image/color"

	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
)

var (
	ErrSurfaceCreation = errors.New("surface creation failed")
	ErrDestroyed       = errors.New("surface already destroyed")
)

// Surface is an exclusively owned pixel buffer. Once destroyed or released to a
// pool, the previous owner must not touch it again.
type Surface struct {
	img       *image.NRGBA
	destroyed bool
}

func newSurface(w, h int) *Surface {
	return &Surface{img: image.NewNRGBA(image.Rect(0, 0, w, h))}
}

// FromImage copies img into a new surface anchored at the origin.
func FromImage(img image.Image) *Surface {
	b := img.Bounds()
	s := newSurface(b.Dx(), b.Dy())
	copyInto(s.img, img)
	return s
}

func (s *Surface) Width() int {
	if s.img == nil {
		return 0
	}
	return s.img.Rect.Dx()
}

func (s *Surface) Height() int {
	if s.img == nil {
		return 0
	}
	return s.img.Rect.Dy()
}

func (s *Surface) Size() geometry.Dimensions {
	return geometry.Dimensions{Width: s.Width(), Height: s.Height()}
}

func (s *Surface) Area() int64 {
	return s.Size().Area()
}

// Image exposes the backing buffer. The caller must not retain it past the
// surface's lifetime.
func (s *Surface) Image() *image.NRGBA {
	return s.img
}

func (s *Surface) Destroyed() bool {
	return s.destroyed
}

func (s *Surface) Destroy() {
	s.img = nil
	s.destroyed = true
}

// reset reshapes the surface to w×h, reusing the pixel buffer when it is large
// enough, and zeroes every pixel.
func (s *Surface) reset(w, h int) {
	n := w * h * 4
	if s.img != nil && cap(s.img.Pix) >= n {
		pix := s.img.Pix[:n]
		clear(pix)
		s.img = &image.NRGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		return
	}
	s.img = image.NewNRGBA(image.Rect(0, 0, w, h))
}

// Platform is the rasterization collaborator the executor drives.
type Platform interface {
	NewSurface(w, h int) (*Surface, error)
	Draw(dst, src *Surface, srcRect, dstRect geometry.Rect, q downscale.Quality) error
	Copy(dst, src *Surface, srcRect geometry.Rect) error
	Fill(dst *Surface, c color.NRGBA) error
	Alpha(s *Surface) ([]uint8, error)
	Blur(s *Surface, radius float64) error
	Encode(s *Surface, format string, quality int) ([]byte, error)
	MaxSafeDimension() int
}
