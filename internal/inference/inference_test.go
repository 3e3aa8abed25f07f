package inference_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"seg-backend/internal/inference"
	"seg-backend/internal/model"
	"seg-backend/internal/versions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageSize = 16
	testNumFolds  = 3
)

func linearLoader() (model.Model, error) {
	return model.NewLinearModel(0.1, 0), nil
}

func newEngine(t *testing.T) (*inference.Engine, *versions.Store) {
	t.Helper()

	store, err := versions.NewStore(t.TempDir(), nil, "")
	require.NoError(t, err)

	return inference.NewEngine(store, linearLoader, testNumFolds, testImageSize), store
}

// writeCheckpoint writes a linear model checkpoint whose bias alone decides
// every pixel: +50 predicts vessel everywhere, -50 nowhere.
func writeCheckpoint(t *testing.T, path string, bias float64) {
	t.Helper()

	data := fmt.Sprintf(`{"weights":[0,0,0],"bias":%g}`, bias)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 120, B: 120, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), "image.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func decodeMask(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func isRed(c color.Color) bool {
	r, _, _, a := c.RGBA()
	return r == 0xffff && a == 0xffff
}

func isTransparent(c color.Color) bool {
	_, _, _, a := c.RGBA()
	return a == 0
}

func TestInferNoModel(t *testing.T) {
	engine, store := newEngine(t)
	imagePath := writeTestImage(t, 16, 16)

	_, err := engine.Infer(context.Background(), imagePath)
	assert.ErrorIs(t, err, inference.ErrNoModel)

	// The empty scan is cached: a checkpoint appearing later is not picked
	// up until someone invalidates.
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	_, err = engine.Infer(context.Background(), imagePath)
	assert.ErrorIs(t, err, inference.ErrNoModel)

	engine.Invalidate()

	out, err := engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 1, engine.LoadedModels())
}

func TestInferBestCheckpointFallback(t *testing.T) {
	engine, store := newEngine(t)
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	imagePath := writeTestImage(t, 16, 16)

	out, err := engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)

	mask := decodeMask(t, out)
	assert.Equal(t, image.Rect(0, 0, 16, 16), mask.Bounds())

	// A positive-everywhere model paints the field of view red and leaves
	// the corners (outside the inscribed circle) transparent.
	assert.True(t, isRed(mask.At(8, 8)))
	assert.True(t, isTransparent(mask.At(0, 0)))
	assert.True(t, isTransparent(mask.At(15, 15)))
}

func TestInferPrefersFoldEnsemble(t *testing.T) {
	engine, store := newEngine(t)

	// Folds say vessel, the stale best checkpoint says background. The
	// folds win: best.ckpt is only a fallback.
	writeCheckpoint(t, store.FoldCheckpoint(0), 50)
	writeCheckpoint(t, store.FoldCheckpoint(2), 50)
	writeCheckpoint(t, store.BestCheckpoint(), -50)

	out, err := engine.Infer(context.Background(), writeTestImage(t, 16, 16))
	require.NoError(t, err)

	assert.Equal(t, 2, engine.LoadedModels())
	assert.True(t, isRed(decodeMask(t, out).At(8, 8)))
}

func TestInferAveragesProbabilities(t *testing.T) {
	engine, store := newEngine(t)

	// One certain yes and one certain no average to 0.5, which does not
	// clear the strict threshold.
	writeCheckpoint(t, store.FoldCheckpoint(0), 50)
	writeCheckpoint(t, store.FoldCheckpoint(1), -50)

	out, err := engine.Infer(context.Background(), writeTestImage(t, 16, 16))
	require.NoError(t, err)

	mask := decodeMask(t, out)
	assert.True(t, isTransparent(mask.At(8, 8)))
}

func TestInferKeepsSnapshotUntilInvalidate(t *testing.T) {
	engine, store := newEngine(t)
	imagePath := writeTestImage(t, 16, 16)

	writeCheckpoint(t, store.FoldCheckpoint(0), 50)

	out, err := engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)
	require.True(t, isRed(decodeMask(t, out).At(8, 8)))

	// A training run rewrites the checkpoint underneath; the cached
	// ensemble keeps serving the old snapshot.
	writeCheckpoint(t, store.FoldCheckpoint(0), -50)

	out, err = engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)
	assert.True(t, isRed(decodeMask(t, out).At(8, 8)))

	engine.Invalidate()

	out, err = engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)
	assert.True(t, isTransparent(decodeMask(t, out).At(8, 8)))
}

func TestInferResizesToOriginalResolution(t *testing.T) {
	engine, store := newEngine(t)
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	out, err := engine.Infer(context.Background(), writeTestImage(t, 40, 24))
	require.NoError(t, err)

	mask := decodeMask(t, out)
	assert.Equal(t, image.Rect(0, 0, 40, 24), mask.Bounds())
	assert.True(t, isRed(mask.At(20, 12)))
}

func TestInferCorruptCheckpointRetries(t *testing.T) {
	engine, store := newEngine(t)
	imagePath := writeTestImage(t, 16, 16)

	require.NoError(t, os.WriteFile(store.BestCheckpoint(), []byte("not a checkpoint"), 0644))

	_, err := engine.Infer(context.Background(), imagePath)
	require.Error(t, err)
	assert.False(t, errors.Is(err, inference.ErrNoModel))
	assert.Equal(t, 0, engine.LoadedModels())

	// A failed load is not cached: fixing the checkpoint is enough, no
	// invalidation needed.
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	_, err = engine.Infer(context.Background(), imagePath)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.LoadedModels())
}

func TestInvalidateIdempotent(t *testing.T) {
	engine, store := newEngine(t)
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	engine.Invalidate()
	engine.Invalidate()

	out, err := engine.Infer(context.Background(), writeTestImage(t, 16, 16))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestInferMissingImage(t *testing.T) {
	engine, store := newEngine(t)
	writeCheckpoint(t, store.BestCheckpoint(), 50)

	_, err := engine.Infer(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
