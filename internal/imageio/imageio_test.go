package imageio_test

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"seg-backend/internal/imageio"
	"seg-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePng(t *testing.T, path string, img image.Image) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadImageResizesAndNormalizes(t *testing.T) {
	dir := t.TempDir()

	src := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	path := filepath.Join(dir, "white.png")
	writePng(t, path, src)

	img, origW, origH, err := imageio.LoadImage(path, 4)
	require.NoError(t, err)

	assert.Equal(t, 8, origW)
	assert.Equal(t, 4, origH)
	assert.Equal(t, 4, img.Width)
	assert.Equal(t, 4, img.Height)

	// A uniformly white image normalizes to (1 - mean) / std per channel.
	assert.InDelta(t, (1.0-0.485)/0.229, float64(img.At(2, 2, 0)), 1e-4)
	assert.InDelta(t, (1.0-0.456)/0.224, float64(img.At(2, 2, 1)), 1e-4)
	assert.InDelta(t, (1.0-0.406)/0.225, float64(img.At(2, 2, 2)), 1e-4)
}

func TestLoadImageMissingFile(t *testing.T) {
	_, _, _, err := imageio.LoadImage(filepath.Join(t.TempDir(), "nope.png"), 4)
	assert.Error(t, err)
}

func TestLoadMaskGrayscale(t *testing.T) {
	dir := t.TempDir()

	src := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			src.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	path := filepath.Join(dir, "mask.png")
	writePng(t, path, src)

	mask, err := imageio.LoadMask(path, 8)
	require.NoError(t, err)

	assert.Equal(t, 32, mask.Sum())
	assert.Equal(t, uint8(0), mask.At(0, 0))
	assert.Equal(t, uint8(1), mask.At(7, 7))
}

func TestLoadMaskRedOverlay(t *testing.T) {
	dir := t.TempDir()

	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.SetNRGBA(1, 2, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(3, 3, color.NRGBA{R: 200, A: 200})
	// Dim or transparent red must not count.
	src.SetNRGBA(0, 0, color.NRGBA{R: 40, A: 255})
	src.SetNRGBA(0, 1, color.NRGBA{R: 255, A: 0})

	path := filepath.Join(dir, "overlay.png")
	writePng(t, path, src)

	mask, err := imageio.LoadMask(path, 4)
	require.NoError(t, err)

	assert.Equal(t, 2, mask.Sum())
	assert.Equal(t, uint8(1), mask.At(1, 2))
	assert.Equal(t, uint8(1), mask.At(3, 3))
	assert.Equal(t, uint8(0), mask.At(0, 0))
	assert.Equal(t, uint8(0), mask.At(0, 1))
}

func TestEncodeMaskRoundTrip(t *testing.T) {
	dir := t.TempDir()

	mask := models.NewMask(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if (x+3*y)%5 == 0 {
				mask.Set(x, y, 1)
			}
		}
	}

	data, err := imageio.EncodeMask(mask, 16, 16)
	require.NoError(t, err)

	path := filepath.Join(dir, "roundtrip.png")
	require.NoError(t, os.WriteFile(path, data, 0644))

	decoded, err := imageio.LoadMask(path, 16)
	require.NoError(t, err)
	assert.Equal(t, mask.Pix, decoded.Pix)
}

func TestEncodeMaskReexpands(t *testing.T) {
	dir := t.TempDir()

	mask := models.NewMask(4, 4)
	mask.Set(1, 1, 1)

	data, err := imageio.EncodeMask(mask, 8, 8)
	require.NoError(t, err)

	path := filepath.Join(dir, "expanded.png")
	require.NoError(t, os.WriteFile(path, data, 0644))

	decoded, err := imageio.LoadMask(path, 8)
	require.NoError(t, err)

	// One source pixel becomes a 2x2 block under nearest-neighbor expansion.
	assert.Equal(t, 4, decoded.Sum())
	for _, p := range [][2]int{{2, 2}, {2, 3}, {3, 2}, {3, 3}} {
		assert.Equal(t, uint8(1), decoded.At(p[0], p[1]))
	}
}

func TestConvertImage(t *testing.T) {
	dir := t.TempDir()

	// A semi-transparent source must come out opaque and resized.
	src := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 120, G: 200, B: 80, A: 100})
		}
	}
	srcPath := filepath.Join(dir, "photo.png")
	writePng(t, srcPath, src)

	dstPath := filepath.Join(dir, "imported.png")
	require.NoError(t, imageio.ConvertImage(srcPath, dstPath, 8))

	f, err := os.Open(dstPath)
	require.NoError(t, err)
	defer f.Close()

	decoded, err := png.Decode(f)
	require.NoError(t, err)

	assert.Equal(t, 8, decoded.Bounds().Dx())
	assert.Equal(t, 8, decoded.Bounds().Dy())
	_, _, _, a := decoded.At(4, 4).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}

func TestConvertMaskKeepsOverlay(t *testing.T) {
	dir := t.TempDir()

	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		src.SetNRGBA(x, 3, color.NRGBA{R: 255, A: 255})
	}
	srcPath := filepath.Join(dir, "overlay.png")
	writePng(t, srcPath, src)

	dstPath := filepath.Join(dir, "imported.png")
	require.NoError(t, imageio.ConvertMask(srcPath, dstPath, 16))

	// The red stripe survives the resize and the background stays
	// transparent, so the imported file still loads as the same mask.
	decoded, err := imageio.LoadMask(dstPath, 16)
	require.NoError(t, err)

	assert.Equal(t, 32, decoded.Sum())
	assert.Equal(t, uint8(1), decoded.At(4, 6))
	assert.Equal(t, uint8(0), decoded.At(4, 0))
}
