package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"seg-backend/internal/imageio"
	"seg-backend/internal/model"
	"seg-backend/internal/versions"
	"seg-backend/pkg/models"
)

// ErrNoModel means no checkpoint exists yet; callers should tell the
// operator to train first rather than report a failure.
var ErrNoModel = errors.New("no trained model available")

// Engine serves ensemble predictions from whatever checkpoints are promoted
// in current/. Models load lazily on the first inference and stay cached
// until Invalidate, so a checkpoint being rewritten by a training run never
// affects an in-flight prediction.
//
// The engine has its own lock, deliberately separate from the training
// orchestrator's: a status poll must never wait on a model (re)load.
type Engine struct {
	mu     sync.Mutex
	models []model.Model
	loaded bool

	store     *versions.Store
	loader    model.ModelLoader
	numFolds  int
	imageSize int
	roi       models.Mask
}

func NewEngine(store *versions.Store, loader model.ModelLoader, numFolds, imageSize int) *Engine {
	return &Engine{
		store:     store,
		loader:    loader,
		numFolds:  numFolds,
		imageSize: imageSize,
		roi:       models.InscribedCircleMask(imageSize, imageSize),
	}
}

// Infer runs the ensemble on one image and returns the predicted vessel
// mask as a red-on-transparent PNG at the image's original resolution.
// Returns ErrNoModel while no checkpoint exists.
func (e *Engine) Infer(ctx context.Context, imagePath string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadLocked(); err != nil {
		return nil, fmt.Errorf("error loading ensemble: %w", err)
	}
	if len(e.models) == 0 {
		return nil, ErrNoModel
	}

	img, origWidth, origHeight, err := imageio.LoadImage(imagePath, e.imageSize)
	if err != nil {
		return nil, fmt.Errorf("error loading image: %w", err)
	}

	// Average the per-model probabilities, not the thresholded masks: a
	// pixel two of five models are sure about should survive.
	sum := models.NewHeatmap(e.imageSize, e.imageSize)
	for _, m := range e.models {
		heatmap, err := m.Predict(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		for i, v := range heatmap.Pix {
			sum.Pix[i] += v
		}
	}

	n := float32(len(e.models))
	for i := range sum.Pix {
		sum.Pix[i] /= n
	}

	mask := sum.Threshold(0.5)
	mask.Intersect(e.roi)

	return imageio.EncodeMask(mask, origWidth, origHeight)
}

// LoadedModels reports how many models the ensemble currently holds. Zero
// either means nothing is loaded yet or there is nothing to load.
func (e *Engine) LoadedModels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.models)
}

// Invalidate drops the cached ensemble so the next inference reloads from
// whatever is currently promoted. Idempotent; called after every terminal
// run outcome and after a version restore.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.models {
		m.Release()
	}
	e.models = nil
	e.loaded = false

	slog.Info("inference ensemble invalidated")
}

// loadLocked populates the ensemble from the fold checkpoints, falling back
// to the promoted best checkpoint when no fold files exist. The empty
// result is cached too: rescanning the directory on every request would
// just repeat the miss until something trains.
func (e *Engine) loadLocked() error {
	if e.loaded {
		return nil
	}

	var paths []string
	for i := 0; i < e.numFolds; i++ {
		if path := e.store.FoldCheckpoint(i); fileExists(path) {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		if path := e.store.BestCheckpoint(); fileExists(path) {
			paths = append(paths, path)
		}
	}

	loaded := make([]model.Model, 0, len(paths))
	for _, path := range paths {
		m, err := e.loader()
		if err != nil {
			releaseAll(loaded)
			return err
		}
		if err := m.LoadCheckpoint(path); err != nil {
			m.Release()
			releaseAll(loaded)
			return err
		}
		loaded = append(loaded, m)
	}

	e.models = loaded
	e.loaded = true

	if len(loaded) > 0 {
		slog.Info("inference ensemble loaded", "models", len(loaded))
	} else {
		slog.Warn("no checkpoints found, inference unavailable")
	}
	return nil
}

func releaseAll(loaded []model.Model) {
	for _, m := range loaded {
		m.Release()
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
