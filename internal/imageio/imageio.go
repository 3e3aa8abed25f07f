package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"seg-backend/pkg/models"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ImageNet channel statistics. Inputs are normalized with these so that
// checkpoints trained against pretrained encoders see the distribution they
// were trained on.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("error decoding image %s: %w", path, err)
	}
	return img, nil
}

// LoadImage decodes the image at path, resizes it to size x size with
// bilinear interpolation, scales channels to [0, 1] and applies ImageNet
// normalization. It also returns the image's original width and height so
// model output can be re-expanded for display.
func LoadImage(path string, size int) (models.Image, int, int, error) {
	src, err := decodeFile(path)
	if err != nil {
		return models.Image{}, 0, 0, err
	}

	origW, origH := src.Bounds().Dx(), src.Bounds().Dy()

	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), src, src.Bounds(), draw.Src, nil)

	img := models.NewImage(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := rgba.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(rgba.Pix[off+c]) / 255.0
				img.Set(x, y, c, (v-channelMean[c])/channelStd[c])
			}
		}
	}
	return img, origW, origH, nil
}

// LoadMask decodes a mask image and binarizes it at size x size, resizing
// with nearest-neighbor so no interpolated gray values appear. A pixel
// counts as vessel when it is opaque and bright in the red channel; this
// covers both white-on-black grayscale masks and the red-on-transparent
// overlays the annotation UI saves.
func LoadMask(path string, size int) (models.Mask, error) {
	src, err := decodeFile(path)
	if err != nil {
		return models.Mask{}, err
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(rgba, rgba.Bounds(), src, src.Bounds(), draw.Src, nil)

	mask := models.NewMask(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := rgba.PixOffset(x, y)
			if rgba.Pix[off] > 128 && rgba.Pix[off+3] > 128 {
				mask.Set(x, y, 1)
			}
		}
	}
	return mask, nil
}

// EncodeMask renders a binary mask as a red-on-transparent RGBA PNG, the
// overlay format annotations are stored and displayed in. When the target
// dimensions differ from the mask's, the mask is re-expanded with
// nearest-neighbor so the overlay stays binary.
func EncodeMask(mask models.Mask, width, height int) ([]byte, error) {
	rgba := image.NewNRGBA(image.Rect(0, 0, mask.Width, mask.Height))
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) != 0 {
				rgba.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			}
		}
	}

	out := rgba
	if width != mask.Width || height != mask.Height {
		out = image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.NearestNeighbor.Scale(out, out.Bounds(), rgba, rgba.Bounds(), draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("error encoding mask png: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeToFile(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	return f.Close()
}

// ConvertImage re-encodes an externally sourced photo as a size x size png:
// decoded, flattened to opaque RGB and resized with a Catmull-Rom kernel.
// Used when bulk-importing images of arbitrary formats and sizes into a
// dataset partition.
func ConvertImage(srcPath, dstPath string, size int) error {
	src, err := decodeFile(srcPath)
	if err != nil {
		return err
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	return encodeToFile(dstPath, dst)
}

// ConvertMask re-encodes an externally sourced mask as a size x size png.
// Nearest-neighbor keeps the mask binary, and the alpha channel is kept so
// red-on-transparent overlays survive the import unchanged.
func ConvertMask(srcPath, dstPath string, size int) error {
	src, err := decodeFile(srcPath)
	if err != nil {
		return err
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	return encodeToFile(dstPath, dst)
}
