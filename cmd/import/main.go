// Bulk-imports a directory of externally sourced images (or masks) into a
// dataset partition, converting everything to model-resolution pngs.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"seg-backend/internal/imageio"
	"seg-backend/internal/training"

	"github.com/schollz/progressbar/v3"
)

var importableExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

func main() {
	var (
		source = flag.String("source", "", "directory of images to import (required)")
		target = flag.String("target", "", "destination directory (default <root>/dataset/inbox/images)")
		root   = flag.String("root", "./seg-data", "backend data root")
		size   = flag.Int("size", 0, "output resolution (default: the configured training image size)")
		isMask = flag.Bool("mask", false, "treat inputs as annotation masks (nearest-neighbor resize)")
	)
	flag.Parse()

	if *source == "" {
		flag.Usage()
		os.Exit(1)
	}

	if *size <= 0 {
		defaults, err := training.LoadDefaults()
		if err != nil {
			log.Fatalf("error loading training defaults: %v", err)
		}
		*size = defaults.Hyperparameters.ImageSize
	}

	if *target == "" {
		*target = filepath.Join(*root, "dataset", "inbox", "images")
	}
	if err := os.MkdirAll(*target, 0755); err != nil {
		log.Fatalf("error creating target directory: %v", err)
	}

	entries, err := os.ReadDir(*source)
	if err != nil {
		log.Fatalf("error reading source directory: %v", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && importableExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		log.Fatalf("no importable images in %s", *source)
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("importing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	for _, name := range files {
		srcPath := filepath.Join(*source, name)
		dstName := strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
		dstPath := filepath.Join(*target, dstName)

		if *isMask {
			err = imageio.ConvertMask(srcPath, dstPath, *size)
		} else {
			err = imageio.ConvertImage(srcPath, dstPath, *size)
		}
		if err != nil {
			log.Fatalf("error importing %s: %v", name, err)
		}

		_ = bar.Add(1)
	}

	kind := "images"
	if *isMask {
		kind = "masks"
	}
	log.Printf("imported %d %s into %s (%dx%d)", len(files), kind, *target, *size, *size)
}
