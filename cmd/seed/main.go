// Seeds the inbox with synthetic fundus-like images and a few vessel masks
// for development and smoke testing.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"seg-backend/internal/training"
)

func main() {
	var (
		root   = flag.String("root", "./seg-data", "backend data root")
		images = flag.Int("images", 10, "number of images to generate")
		labels = flag.Int("labels", 3, "number of images that also get a vessel mask")
		size   = flag.Int("size", 0, "image resolution (default: the configured training image size)")
	)
	flag.Parse()

	if *size <= 0 {
		defaults, err := training.LoadDefaults()
		if err != nil {
			log.Fatalf("error loading training defaults: %v", err)
		}
		*size = defaults.Hyperparameters.ImageSize
	}

	imageDir := filepath.Join(*root, "dataset", "inbox", "images")
	annotationDir := filepath.Join(*root, "dataset", "inbox", "annotations")
	for _, dir := range []string{imageDir, annotationDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("error creating %s: %v", dir, err)
		}
	}

	for i := 0; i < *images; i++ {
		name := fmt.Sprintf("img_%03d.png", i+1)
		writePng(filepath.Join(imageDir, name), fundusImage(*size))
		if i < *labels {
			writePng(filepath.Join(annotationDir, name), vesselMask(*size))
		}
	}

	log.Printf("seeded %d images (%d labeled) in %s (%dx%d)", *images, min(*labels, *images), imageDir, *size, *size)
}

// fundusImage is dark red-brown noise with one bright disc, loosely shaped
// like a retinal photograph with an optic disc.
func fundusImage(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r := uint8(min(30+rand.Intn(50)+50, 255))
			g := uint8(30 + rand.Intn(50))
			b := uint8(30 + rand.Intn(50))
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}

	// Disc placement and radius scale with resolution.
	jitter := size / 10
	radius := size * 40 / 512
	cx := size/2 + rand.Intn(2*jitter+1) - jitter
	cy := size/2 + rand.Intn(2*jitter+1) - jitter
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			if x < 0 || y < 0 || x >= size || y >= size {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(x, y, color.RGBA{R: 200, G: 180, B: 100, A: 255})
			}
		}
	}

	return img
}

// vesselMask is a red-on-transparent overlay with a handful of random
// strokes standing in for vessels.
func vesselMask(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < 5; i++ {
		x1, y1 := rand.Intn(size), rand.Intn(size)
		x2, y2 := rand.Intn(size), rand.Intn(size)
		drawStroke(img, x1, y1, x2, y2)
	}
	return img
}

// drawStroke paints a 3px-wide red line by stamping a 3x3 block along the
// segment.
func drawStroke(img *image.NRGBA, x1, y1, x2, y2 int) {
	steps := max(abs(x2-x1), abs(y2-y1), 1)
	for i := 0; i <= steps; i++ {
		x := x1 + (x2-x1)*i/steps
		y := y1 + (y2-y1)*i/steps
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				px, py := x+dx, y+dy
				if px >= 0 && py >= 0 && px < img.Bounds().Dx() && py < img.Bounds().Dy() {
					img.SetNRGBA(px, py, color.NRGBA{R: 255, A: 255})
				}
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func writePng(path string, img image.Image) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("error creating %s: %v", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		log.Fatalf("error encoding %s: %v", path, err)
	}
}
