package models

// Raster types shared by the HTTP surface, the training engine, and the
// trainer plugin boundary. Everything here is gob-encodable since the
// plugin transport is net/rpc.

// Image is a dense float32 RGB raster. Pixels are row-major: channel c of
// (x, y) is Pix[(y*Width+x)*3+c]. Values are whatever the producing codec
// put there, normally ImageNet-normalized intensities.
type Image struct {
	Width  int
	Height int
	Pix    []float32
}

func NewImage(width, height int) Image {
	return Image{Width: width, Height: height, Pix: make([]float32, width*height*3)}
}

func (im Image) At(x, y, c int) float32 {
	return im.Pix[(y*im.Width+x)*3+c]
}

func (im Image) Set(x, y, c int, v float32) {
	im.Pix[(y*im.Width+x)*3+c] = v
}

// Mask is a single-channel binary raster, one byte per pixel, 1 = vessel.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewMask(width, height int) Mask {
	return Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

func (m Mask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

func (m Mask) Set(x, y int, v uint8) {
	m.Pix[y*m.Width+x] = v
}

// Sum returns the number of set pixels.
func (m Mask) Sum() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Intersect zeroes every pixel of m that is unset in roi.
func (m Mask) Intersect(roi Mask) {
	for i, v := range roi.Pix {
		if v == 0 {
			m.Pix[i] = 0
		}
	}
}

// Heatmap is a single-channel raster of per-pixel probabilities.
type Heatmap struct {
	Width  int
	Height int
	Pix    []float32
}

func NewHeatmap(width, height int) Heatmap {
	return Heatmap{Width: width, Height: height, Pix: make([]float32, width*height)}
}

func (h Heatmap) At(x, y int) float32 {
	return h.Pix[y*h.Width+x]
}

func (h Heatmap) Set(x, y int, v float32) {
	h.Pix[y*h.Width+x] = v
}

// Threshold returns the binary mask of pixels strictly above t.
func (h Heatmap) Threshold(t float32) Mask {
	m := NewMask(h.Width, h.Height)
	for i, v := range h.Pix {
		if v > t {
			m.Pix[i] = 1
		}
	}
	return m
}

// InscribedCircleMask returns the circular fundus field of view: pixels
// inside the circle inscribed in the canvas are set, corners are not.
func InscribedCircleMask(width, height int) Mask {
	m := NewMask(width, height)
	cx, cy := width/2, height/2
	r := min(width, height) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				m.Pix[y*width+x] = 1
			}
		}
	}
	return m
}

// DiceScore computes the Dice coefficient between two binary masks with
// additive smoothing of 1, so two empty masks score 1.0.
func DiceScore(pred, truth Mask) float64 {
	inter := 0
	for i, v := range pred.Pix {
		if v != 0 && truth.Pix[i] != 0 {
			inter++
		}
	}
	return (2.0*float64(inter) + 1.0) / (float64(pred.Sum()) + float64(truth.Sum()) + 1.0)
}
