package transform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.NRGBA{R: 0xff, A: 0xff}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestApply_SquareRoundedOutput(t *testing.T) {
	data := encodePNG(t, 40, 30, red)

	out, err := Apply(data, Options{Size: 100, CornerRadius: 3})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())

	// Corners are masked.
	for _, p := range []image.Point{{0, 0}, {99, 0}, {0, 99}, {99, 99}} {
		assert.Less(t, out.NRGBAAt(p.X, p.Y).A, uint8(0x40), "corner %v", p)
	}
	// Interior and straight edges are untouched.
	for _, p := range []image.Point{{50, 50}, {50, 0}, {0, 50}, {3, 3}} {
		assert.Equal(t, red, out.NRGBAAt(p.X, p.Y), "pixel %v", p)
	}
}

func TestApply_IsDeterministic(t *testing.T) {
	data := encodePNG(t, 17, 23, color.NRGBA{R: 10, G: 200, B: 90, A: 0xff})
	opts := Options{Size: 100, CornerRadius: 3}

	a, err := Apply(data, opts)
	require.NoError(t, err)
	b, err := Apply(data, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Bounds(), b.Bounds())
	assert.True(t, bytes.Equal(a.Pix, b.Pix))
}

func TestApply_CornersAreSymmetric(t *testing.T) {
	out, err := Apply(encodePNG(t, 8, 8, red), Options{Size: 64, CornerRadius: 10})
	require.NoError(t, err)

	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			// Rasteriser rounding may differ by one step between mirrored edges.
			a := float64(out.NRGBAAt(x, y).A)
			assert.InDelta(t, a, float64(out.NRGBAAt(63-x, y).A), 2)
			assert.InDelta(t, a, float64(out.NRGBAAt(x, 63-y).A), 2)
			assert.InDelta(t, a, float64(out.NRGBAAt(63-x, 63-y).A), 2)
		}
	}
}

func TestApply_DecodeError(t *testing.T) {
	_, err := Apply([]byte("definitely not an image"), Options{Size: 10, CornerRadius: 1})

	var de *DecodeError
	require.True(t, errors.As(err, &de))
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w×h 8-bit
// grayscale image with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 0, 0, 0, 0)

	buf := []byte("\x89PNG\r\n\x1a\n")
	buf = binary.BigEndian.AppendUint32(buf, 13)
	buf = append(buf, ihdr...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(ihdr))
}

func TestApply_RejectsOversizedSource(t *testing.T) {
	_, err := Apply(pngHeader(20000, 20000), Options{Size: 100, CornerRadius: 3})

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, ErrTooManyPixels)
}

func TestApply_MaxPixelsOption(t *testing.T) {
	data := encodePNG(t, 20, 20, red)

	_, err := Apply(data, Options{Size: 10, MaxPixels: 399})
	assert.ErrorIs(t, err, ErrTooManyPixels)

	out, err := Apply(data, Options{Size: 10, MaxPixels: 400})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx())
}

func TestApply_InvalidSize(t *testing.T) {
	_, err := Apply(encodePNG(t, 2, 2, red), Options{Size: 0})
	assert.Error(t, err)
}

func TestRoundCorners_ZeroRadiusIsCopy(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.SetNRGBA(0, 0, red)

	out := RoundCorners(src, 0)
	assert.Equal(t, red, out.NRGBAAt(0, 0))

	out.SetNRGBA(0, 0, color.NRGBA{})
	assert.Equal(t, red, src.NRGBAAt(0, 0), "source must not be modified")
}

func TestRoundCorners_RadiusClamped(t *testing.T) {
	out := RoundCorners(Solid(20, red, 0), 1000)

	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
	assert.Equal(t, red, out.NRGBAAt(10, 10))
}

func TestSolid(t *testing.T) {
	out := Solid(32, red, 4)

	assert.Equal(t, image.Rect(0, 0, 32, 32), out.Bounds())
	assert.Equal(t, red, out.NRGBAAt(16, 16))
	assert.Less(t, out.NRGBAAt(0, 0).A, uint8(0xff))
}

func TestOptionsKey(t *testing.T) {
	assert.Equal(t, "rounded:100:3.00", Options{Size: 100, CornerRadius: 3}.Key())
	assert.NotEqual(t, Options{Size: 100, CornerRadius: 3}.Key(), Options{Size: 100, CornerRadius: 4.5}.Key())
	assert.Equal(t, Options{Size: 100, CornerRadius: 3}.Key(), Options{Size: 100, CornerRadius: 3, MaxPixels: 1}.Key())
}
