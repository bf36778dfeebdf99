// Package transform turns raw avatar bytes into square, rounded bitmaps.
// Every function here is pure.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/vector"
)

// kappa places cubic Bézier control points for a quarter circle.
const kappa = 0.5522847498

// DefaultMaxPixels bounds the decoded source at 4096×4096.
const DefaultMaxPixels = 4096 * 4096

// ErrTooManyPixels reports a source image whose header declares more pixels
// than the decode limit.
var ErrTooManyPixels = errors.New("image dimensions exceed limit")

// Options describes one transformation. MaxPixels limits the source image
// and does not change the output, so it is not part of Key; zero means
// DefaultMaxPixels.
type Options struct {
	Size         int
	CornerRadius float64
	MaxPixels    int64
}

// Key identifies the transformation in cache keys.
func (o Options) Key() string {
	return fmt.Sprintf("rounded:%d:%.2f", o.Size, o.CornerRadius)
}

// DecodeError reports bytes that are not a supported image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode avatar: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Apply decodes data, scales it to an exact opts.Size square (aspect ratio is
// not preserved) and masks the corners with opts.CornerRadius.
func Apply(data []byte, opts Options) (*image.NRGBA, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", opts.Size)
	}

	if err := checkDimensions(data, opts.MaxPixels); err != nil {
		return nil, &DecodeError{Err: err}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	scaled := imaging.Resize(img, opts.Size, opts.Size, imaging.Lanczos)
	return RoundCorners(scaled, opts.CornerRadius), nil
}

// checkDimensions reads only the image header, so oversized sources are
// rejected before any pixel buffer is allocated.
func checkDimensions(data []byte, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	return nil
}

// Solid returns a size×size square of c with rounded corners.
func Solid(size int, c color.Color, radius float64) *image.NRGBA {
	return RoundCorners(imaging.New(size, size, c), radius)
}

// RoundCorners returns a copy of img whose alpha is scaled by the coverage
// of a rounded rectangle spanning its bounds. radius is clamped to half the
// shorter side; radius <= 0 returns an unmasked copy.
func RoundCorners(img image.Image, radius float64) *image.NRGBA {
	dst := imaging.Clone(img)
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	if radius <= 0 || w == 0 || h == 0 {
		return dst
	}

	mask := roundedMask(w, h, radius)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		mrow := mask.Pix[y*mask.Stride:]
		for x := 0; x < w; x++ {
			m := uint32(mrow[x])
			if m == 0xff {
				continue
			}
			a := &row[x*4+3]
			*a = uint8((uint32(*a)*m + 0x7f) / 0xff)
		}
	}
	return dst
}

// roundedMask rasterises an anti-aliased rounded rectangle of w×h.
func roundedMask(w, h int, radius float64) *image.Alpha {
	r := float32(radius)
	if half := float32(min(w, h)) / 2; r > half {
		r = half
	}
	fw, fh := float32(w), float32(h)
	k := r * kappa

	z := vector.NewRasterizer(w, h)
	z.MoveTo(r, 0)
	z.LineTo(fw-r, 0)
	z.CubeTo(fw-r+k, 0, fw, r-k, fw, r)
	z.LineTo(fw, fh-r)
	z.CubeTo(fw, fh-r+k, fw-r+k, fh, fw-r, fh)
	z.LineTo(r, fh)
	z.CubeTo(r-k, fh, 0, fh-r+k, 0, fh-r)
	z.LineTo(0, r)
	z.CubeTo(0, r-k, r-k, 0, r, 0)
	z.ClosePath()

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}
