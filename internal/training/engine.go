package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"seg-backend/internal/dataset"
	"seg-backend/internal/imageio"
	"seg-backend/internal/model"
	"seg-backend/internal/utils"
	"seg-backend/internal/versions"
	"seg-backend/pkg/api"
	"seg-backend/pkg/models"
)

const maxLoadWorkers = 4

// RunCallbacks let the caller observe a run without the engine knowing who
// is watching. Both fields may be nil.
type RunCallbacks struct {
	// OnEpoch is invoked after every epoch with the run-global epoch
	// number (foldIdx*maxEpochs + epoch), the epoch's validation dice,
	// and the fold being trained.
	OnEpoch func(globalEpoch int, valDice float64, foldIdx int)

	// Cancelled is polled at the top of every epoch. Returning true stops
	// the run with ErrCancelled.
	Cancelled func() bool
}

// Engine runs k-fold cross-validation training runs against the version
// store. It owns the fold split, batching, and image decoding; the actual
// forward/backward passes are behind the Model interface.
type Engine struct {
	store    *versions.Store
	loader   model.ModelLoader
	defaults Defaults
}

func NewEngine(store *versions.Store, loader model.ModelLoader, defaults Defaults) *Engine {
	return &Engine{store: store, loader: loader, defaults: defaults}
}

// sample is one decoded training pair. Pairs are decoded once per fold and
// reused across epochs.
type sample struct {
	image models.Image
	mask  models.Mask
}

// Run executes a full cross-validation run and returns the allocated
// version and the mean of the per-fold best dice scores. The version
// directory is finalized on every exit path, so cancelled and failed runs
// still leave their partial history and checkpoints behind.
func (e *Engine) Run(ctx context.Context, pairs []dataset.Pair, snapshot api.DatasetSnapshot, maxEpochs int, cb RunCallbacks) (string, float64, error) {
	hp := e.defaults.Hyperparameters
	if maxEpochs > 0 {
		hp.MaxEpochsPerFold = maxEpochs
	}

	version, err := e.store.NextVersion()
	if err != nil {
		return "", 0, fmt.Errorf("error allocating version: %w", err)
	}

	log := e.store.NewRunLog(version, hp, snapshot)

	shuffled := make([]dataset.Pair, len(pairs))
	copy(shuffled, pairs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	// Round-robin assignment. With fewer pairs than folds some folds are
	// empty; those folds still train on the remainder and simply score a
	// zero validation dice.
	folds := make([][]dataset.Pair, hp.NumFolds)
	for i, pair := range shuffled {
		folds[i%hp.NumFolds] = append(folds[i%hp.NumFolds], pair)
	}

	slog.Info("training run started",
		"version", version, "pairs", len(shuffled), "n_folds", hp.NumFolds, "max_epochs", hp.MaxEpochsPerFold)

	roi := models.InscribedCircleMask(hp.ImageSize, hp.ImageSize)

	var foldDices []float64
	bestFoldIdx := -1
	bestFoldDice := 0.0

	for foldIdx := range folds {
		valPairs := folds[foldIdx]
		var trainPairs []dataset.Pair
		for j, fold := range folds {
			if j != foldIdx {
				trainPairs = append(trainPairs, fold...)
			}
		}
		e.store.SetFoldSplit(log, foldIdx, len(trainPairs), len(valPairs))

		foldDice, err := e.trainFold(ctx, log, foldIdx, trainPairs, valPairs, roi, hp, cb)
		if err != nil {
			status := api.RunError
			if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
				status = api.RunCancelled
			}
			if ferr := e.store.Finalize(ctx, log, foldDices, max(bestFoldIdx, 0), status); ferr != nil {
				slog.Error("error finalizing aborted run", "version", version, "error", ferr)
			}
			return "", 0, err
		}

		foldDices = append(foldDices, foldDice)
		if foldDice > bestFoldDice {
			bestFoldDice = foldDice
			bestFoldIdx = foldIdx
		}
	}

	if bestFoldIdx >= 0 {
		if err := e.store.PromoteBest(version, bestFoldIdx); err != nil {
			if ferr := e.store.Finalize(ctx, log, foldDices, bestFoldIdx, api.RunError); ferr != nil {
				slog.Error("error finalizing aborted run", "version", version, "error", ferr)
			}
			return "", 0, err
		}
	}

	meanDice := 0.0
	for _, d := range foldDices {
		meanDice += d
	}
	if len(foldDices) > 0 {
		meanDice /= float64(len(foldDices))
	}

	if err := e.store.Finalize(ctx, log, foldDices, bestFoldIdx, api.RunCompleted); err != nil {
		return "", 0, fmt.Errorf("error finalizing version %s: %w", version, err)
	}

	slog.Info("training run completed", "version", version, "mean_dice", meanDice, "best_fold", bestFoldIdx)

	return version, meanDice, nil
}

// trainFold trains one fold from scratch (or from the pretrained
// checkpoint) and returns the fold's best validation dice.
func (e *Engine) trainFold(ctx context.Context, log *api.TrainingLog, foldIdx int, trainPairs, valPairs []dataset.Pair, roi models.Mask, hp api.Hyperparameters, cb RunCallbacks) (float64, error) {
	slog.Info("fold started", "fold", foldIdx, "train_pairs", len(trainPairs), "val_pairs", len(valPairs))

	m, err := e.loader()
	if err != nil {
		return 0, fmt.Errorf("error creating model for fold %d: %w", foldIdx, err)
	}
	defer m.Release()

	if pretrained := e.store.PretrainedCheckpoint(); pretrained != "" {
		if _, err := os.Stat(pretrained); err == nil {
			if err := m.LoadCheckpoint(pretrained); err != nil {
				return 0, fmt.Errorf("error loading pretrained checkpoint: %w", err)
			}
			slog.Info("loaded pretrained checkpoint", "fold", foldIdx, "path", pretrained)
		}
	}

	trainSamples, err := loadSamples(trainPairs, hp.ImageSize)
	if err != nil {
		return 0, err
	}
	valSamples, err := loadSamples(valPairs, hp.ImageSize)
	if err != nil {
		return 0, err
	}

	// Validation compares inside the fundus field of view only, so the
	// truth masks can be clipped once up front.
	for i := range valSamples {
		valSamples[i].mask.Intersect(roi)
	}

	for epoch := 1; epoch <= hp.MaxEpochsPerFold; epoch++ {
		if cb.Cancelled != nil && cb.Cancelled() {
			slog.Info("run cancelled", "fold", foldIdx, "epoch", epoch)
			return 0, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		avgLoss, err := trainEpoch(ctx, m, trainSamples, roi, hp.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("training failed on fold %d epoch %d: %w", foldIdx, epoch, err)
		}

		valDice, err := validate(ctx, m, valSamples, roi)
		if err != nil {
			return 0, fmt.Errorf("validation failed on fold %d epoch %d: %w", foldIdx, epoch, err)
		}

		improved := e.store.RecordEpoch(log, foldIdx, epoch, avgLoss, valDice)

		if cb.OnEpoch != nil {
			cb.OnEpoch(foldIdx*hp.MaxEpochsPerFold+epoch, valDice, foldIdx)
		}

		if improved {
			if err := m.SaveCheckpoint(e.store.FoldCheckpoint(foldIdx)); err != nil {
				return 0, fmt.Errorf("error saving checkpoint for fold %d: %w", foldIdx, err)
			}
		}

		slog.Info("epoch finished",
			"fold", foldIdx, "epoch", epoch, "train_loss", avgLoss, "val_dice", valDice, "improved", improved)
	}

	best := log.Folds[foldIdx].BestDice
	slog.Info("fold finished", "fold", foldIdx, "best_dice", best)
	return best, nil
}

// loadSamples decodes a fold's images and annotations in parallel. Each
// pair is decoded by a single worker so the image and its mask stay
// together; the collection order across pairs does not matter.
func loadSamples(pairs []dataset.Pair, size int) ([]sample, error) {
	results := utils.RunInPool(func(p dataset.Pair) (sample, error) {
		img, _, _, err := imageio.LoadImage(p.ImagePath, size)
		if err != nil {
			return sample{}, fmt.Errorf("error loading image %s: %w", p.Id, err)
		}
		mask, err := imageio.LoadMask(p.AnnotationPath, size)
		if err != nil {
			return sample{}, fmt.Errorf("error loading annotation %s: %w", p.Id, err)
		}
		return sample{image: img, mask: mask}, nil
	}, pairs, maxLoadWorkers)

	samples := make([]sample, 0, len(pairs))
	for res := range results {
		if res.Error != nil {
			return nil, res.Error
		}
		samples = append(samples, res.Result)
	}
	return samples, nil
}

// trainEpoch runs one pass over the training samples in shuffled batches
// and returns the average batch loss. An empty fold reports a zero loss.
func trainEpoch(ctx context.Context, m model.Model, samples []sample, roi models.Mask, batchSize int) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	shuffled := make([]sample, len(samples))
	copy(shuffled, samples)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	totalLoss := 0.0
	batches := 0
	for start := 0; start < len(shuffled); start += batchSize {
		end := min(start+batchSize, len(shuffled))

		images := make([]models.Image, 0, end-start)
		masks := make([]models.Mask, 0, end-start)
		for _, s := range shuffled[start:end] {
			images = append(images, s.image)
			masks = append(masks, s.mask)
		}

		loss, err := m.TrainStep(ctx, images, masks, roi)
		if err != nil {
			return 0, err
		}
		totalLoss += loss
		batches++
	}

	return totalLoss / float64(batches), nil
}

// validate scores the model on a fold's validation samples. Predictions
// are thresholded at 0.5 and clipped to the field of view before the dice
// comparison; the truth masks were already clipped at load time. An empty
// fold scores zero.
func validate(ctx context.Context, m model.Model, samples []sample, roi models.Mask) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	total := 0.0
	for _, s := range samples {
		heatmap, err := m.Predict(ctx, s.image)
		if err != nil {
			return 0, err
		}

		pred := heatmap.Threshold(0.5)
		pred.Intersect(roi)

		total += models.DiceScore(pred, s.mask)
	}

	return total / float64(len(samples)), nil
}
