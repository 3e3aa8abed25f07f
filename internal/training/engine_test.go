package training_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"seg-backend/internal/dataset"
	"seg-backend/internal/model"
	"seg-backend/internal/training"
	"seg-backend/internal/versions"
	"seg-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePair writes a 16x16 fundus-like fixture: a bright horizontal band on
// a black background, with a mask marking exactly the band. A per-pixel
// linear model separates the two classes after a couple of steps.
func writePair(t *testing.T, dir, id string) dataset.Pair {
	t.Helper()

	const size = 16

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	mask := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if y >= 6 && y < 10 {
				img.Set(x, y, color.RGBA{R: 230, G: 60, B: 60, A: 255})
				mask.Set(x, y, color.Gray{Y: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}

	imagePath := filepath.Join(dir, id+".png")
	maskPath := filepath.Join(dir, id+"_mask.png")

	for path, m := range map[string]image.Image{imagePath: img, maskPath: mask} {
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, m))
		require.NoError(t, f.Close())
	}

	return dataset.Pair{Id: id, ImagePath: imagePath, AnnotationPath: maskPath}
}

func writePairs(t *testing.T, n int) []dataset.Pair {
	t.Helper()

	dir := t.TempDir()
	pairs := make([]dataset.Pair, n)
	for i := range pairs {
		pairs[i] = writePair(t, dir, fmt.Sprintf("img%02d", i))
	}
	return pairs
}

func linearLoader() (model.Model, error) {
	return model.NewLinearModel(0.5, 0), nil
}

func newEngine(t *testing.T, defaults training.Defaults, loader model.ModelLoader) (*training.Engine, *versions.Store, string) {
	t.Helper()

	root := t.TempDir()
	store, err := versions.NewStore(root, nil, "")
	require.NoError(t, err)
	return training.NewEngine(store, loader, defaults), store, root
}

func TestRunCompletes(t *testing.T) {
	engine, store, root := newEngine(t, testDefaults(), linearLoader)
	pairs := writePairs(t, 4)

	var globals, foldIdxs []int
	cb := training.RunCallbacks{
		OnEpoch: func(globalEpoch int, valDice float64, foldIdx int) {
			globals = append(globals, globalEpoch)
			foldIdxs = append(foldIdxs, foldIdx)
		},
	}

	snapshot := api.DatasetSnapshot{TotalPairs: 4, CompletedPairs: 4}
	version, meanDice, err := engine.Run(context.Background(), pairs, snapshot, 2, cb)
	require.NoError(t, err)

	assert.Equal(t, "v001", version)
	assert.Greater(t, meanDice, 0.5)

	// Two folds at two epochs each, with the epoch counter running across
	// folds.
	assert.Equal(t, []int{1, 2, 3, 4}, globals)
	assert.Equal(t, []int{0, 0, 1, 1}, foldIdxs)

	log, err := store.GetLog("v001")
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, log.Status)
	assert.Equal(t, 2, log.Hyperparameters.MaxEpochsPerFold)
	assert.Equal(t, 4, log.Dataset.TotalPairs)
	require.NotNil(t, log.CompletedAt)

	require.NotNil(t, log.Results)
	assert.InDelta(t, meanDice, log.Results.MeanDice, 1e-6)
	require.Len(t, log.Results.FoldDices, 2)
	assert.GreaterOrEqual(t, log.Results.BestFoldIdx, 0)
	assert.Greater(t, log.Results.BestFoldDice, 0.5)

	require.Len(t, log.Folds, 2)
	for i, fold := range log.Folds {
		assert.Equal(t, i, fold.FoldIdx)
		assert.Equal(t, 2, fold.TrainCount)
		assert.Equal(t, 2, fold.ValCount)
		assert.Len(t, fold.Epochs, 2)
		assert.Greater(t, fold.BestDice, 0.0)
	}

	// The run leaves its artifacts both live and versioned.
	assert.FileExists(t, store.BestCheckpoint())
	assert.Equal(t, "v001", store.PromotedVersion())

	vdir := filepath.Join(root, "versions", "v001")
	assert.FileExists(t, filepath.Join(vdir, "training_log.json"))
	assert.FileExists(t, filepath.Join(vdir, "best.ckpt"))
	assert.FileExists(t, filepath.Join(vdir, "fold_0.ckpt"))
	assert.FileExists(t, filepath.Join(vdir, "fold_1.ckpt"))
}

func TestRunWithEmptyFold(t *testing.T) {
	defaults := testDefaults()
	defaults.Hyperparameters.NumFolds = 3
	defaults.Hyperparameters.MaxEpochsPerFold = 1

	engine, store, _ := newEngine(t, defaults, linearLoader)
	pairs := writePairs(t, 2)

	version, meanDice, err := engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 0, training.RunCallbacks{})
	require.NoError(t, err)
	assert.Greater(t, meanDice, 0.0)

	log, err := store.GetLog(version)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, log.Status)

	// The third fold has no validation pairs, so it trains on everything
	// and scores zero.
	require.Len(t, log.Folds, 3)
	empty := log.Folds[2]
	assert.Equal(t, 2, empty.TrainCount)
	assert.Equal(t, 0, empty.ValCount)
	assert.Equal(t, 0.0, empty.BestDice)
	require.Len(t, empty.Epochs, 1)
	assert.Equal(t, 0.0, empty.Epochs[0].ValDice)

	require.NotNil(t, log.Results)
	assert.Len(t, log.Results.FoldDices, 3)
}

func TestRunCancellation(t *testing.T) {
	engine, store, _ := newEngine(t, testDefaults(), linearLoader)
	pairs := writePairs(t, 4)

	// Let fold 0 finish, then cancel at the first epoch of fold 1.
	checks := 0
	cb := training.RunCallbacks{
		Cancelled: func() bool {
			checks++
			return checks > 2
		},
	}

	version, _, err := engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 2, cb)
	assert.ErrorIs(t, err, training.ErrCancelled)
	assert.Empty(t, version)

	// The interrupted run still leaves a finalized version behind.
	log, err := store.GetLog("v001")
	require.NoError(t, err)
	assert.Equal(t, api.RunCancelled, log.Status)

	assert.Len(t, log.Folds[0].Epochs, 2)
	assert.Empty(t, log.Folds[1].Epochs)

	require.NotNil(t, log.Results)
	require.Len(t, log.Results.FoldDices, 1)
	assert.Equal(t, 0, log.Results.BestFoldIdx)

	// Nothing was promoted: best.ckpt only appears after a completed run.
	assert.NoFileExists(t, store.BestCheckpoint())
}

func TestRunContextCancelled(t *testing.T) {
	engine, store, _ := newEngine(t, testDefaults(), linearLoader)
	pairs := writePairs(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := engine.Run(ctx, pairs, api.DatasetSnapshot{}, 1, training.RunCallbacks{})
	assert.ErrorIs(t, err, context.Canceled)

	log, err := store.GetLog("v001")
	require.NoError(t, err)
	assert.Equal(t, api.RunCancelled, log.Status)
}

func TestRunFailsOnUnreadablePair(t *testing.T) {
	engine, store, _ := newEngine(t, testDefaults(), linearLoader)

	pairs := writePairs(t, 2)
	pairs = append(pairs, dataset.Pair{Id: "ghost", ImagePath: "/nonexistent.png", AnnotationPath: "/nonexistent_mask.png"})

	version, _, err := engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 1, training.RunCallbacks{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, training.ErrCancelled)
	assert.Empty(t, version)

	log, err := store.GetLog("v001")
	require.NoError(t, err)
	assert.Equal(t, api.RunError, log.Status)
}

type checkpointSpy struct {
	model.Model
	loads *[]string
}

func (s checkpointSpy) LoadCheckpoint(path string) error {
	*s.loads = append(*s.loads, path)
	return s.Model.LoadCheckpoint(path)
}

func TestRunLoadsPretrainedCheckpoint(t *testing.T) {
	var loads []string
	loader := func() (model.Model, error) {
		return checkpointSpy{Model: model.NewLinearModel(0.5, 0), loads: &loads}, nil
	}

	defaults := testDefaults()
	defaults.Hyperparameters.MaxEpochsPerFold = 1

	engine, store, _ := newEngine(t, defaults, loader)
	pairs := writePairs(t, 2)

	// Without a pretrained checkpoint every fold starts from scratch.
	_, _, err := engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 0, training.RunCallbacks{})
	require.NoError(t, err)
	assert.Empty(t, loads)

	require.NoError(t, os.WriteFile(store.PretrainedCheckpoint(), []byte(`{"weights":[0.1,0.1,0.1],"bias":0}`), 0644))

	_, _, err = engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 0, training.RunCallbacks{})
	require.NoError(t, err)

	// One load per fold, always from the shared initialization.
	require.Len(t, loads, 2)
	for _, path := range loads {
		assert.Equal(t, store.PretrainedCheckpoint(), path)
	}
}

func TestRunLoaderFailure(t *testing.T) {
	loader := func() (model.Model, error) {
		return nil, errors.New("onnxruntime not available")
	}

	engine, store, _ := newEngine(t, testDefaults(), loader)
	pairs := writePairs(t, 2)

	_, _, err := engine.Run(context.Background(), pairs, api.DatasetSnapshot{}, 1, training.RunCallbacks{})
	require.ErrorContains(t, err, "onnxruntime not available")

	log, err := store.GetLog("v001")
	require.NoError(t, err)
	assert.Equal(t, api.RunError, log.Status)
}
