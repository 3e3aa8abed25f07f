package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seg-backend/internal/dataset"
	"seg-backend/internal/messaging"
	"seg-backend/internal/versions"
	"seg-backend/pkg/api"
)

var (
	ErrAlreadyRunning   = errors.New("a training run is already in progress")
	ErrNotRunning       = errors.New("no training run in progress")
	ErrInsufficientData = errors.New("not enough labeled images to train")
	ErrCancelled        = errors.New("training run cancelled")
)

// Invalidator releases cached inference models after the checkpoints in
// current/ change (training finished, version restored).
type Invalidator interface {
	Invalidate()
}

// Orchestrator is the single authority on training run state. It admits at
// most one run at a time: StartRun flips the status to running and hands the
// actual work to the queue, the engine reports progress back through
// Progress, and Finish records the terminal outcome.
type Orchestrator struct {
	mu     sync.Mutex
	status api.TrainingStatus
	cancel bool

	publisher messaging.Publisher
	store     *versions.Store
	inference Invalidator
	defaults  Defaults
}

func NewOrchestrator(publisher messaging.Publisher, store *versions.Store, inference Invalidator, defaults Defaults) *Orchestrator {
	return &Orchestrator{
		status: api.TrainingStatus{
			Status:   api.RunIdle,
			NumFolds: defaults.Hyperparameters.NumFolds,
		},
		publisher: publisher,
		store:     store,
		inference: inference,
		defaults:  defaults,
	}
}

// StartRun validates the request, marks the run as started and enqueues the
// training task. The version id is allocated later by the worker, so a
// rejected start never consumes a version number.
func (o *Orchestrator) StartRun(ctx context.Context, pairs []dataset.Pair, snapshot api.DatasetSnapshot, maxEpochs int) (api.TrainStartedResponse, error) {
	if len(pairs) < o.defaults.MinTrainingPairs {
		return api.TrainStartedResponse{}, fmt.Errorf("%w: have %d labeled pairs, need at least %d",
			ErrInsufficientData, len(pairs), o.defaults.MinTrainingPairs)
	}

	if maxEpochs <= 0 {
		maxEpochs = o.defaults.Hyperparameters.MaxEpochsPerFold
	}

	o.mu.Lock()
	if o.status.Status == api.RunRunning {
		o.mu.Unlock()
		return api.TrainStartedResponse{}, ErrAlreadyRunning
	}

	prev := o.status
	now := time.Now().UTC()
	o.status = api.TrainingStatus{
		Status:    api.RunRunning,
		MaxEpochs: o.defaults.Hyperparameters.NumFolds * maxEpochs,
		NumFolds:  o.defaults.Hyperparameters.NumFolds,
		StartedAt: &now,
	}
	o.cancel = false
	o.mu.Unlock()

	err := o.publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{
		Pairs:     pairs,
		MaxEpochs: maxEpochs,
		Snapshot:  snapshot,
	})
	if err != nil {
		o.mu.Lock()
		o.status = prev
		o.mu.Unlock()
		return api.TrainStartedResponse{}, fmt.Errorf("error queueing training run: %w", err)
	}

	slog.Info("training run queued", "training_pairs", len(pairs), "max_epochs", maxEpochs)

	return api.TrainStartedResponse{
		Status:        "started",
		MaxEpochs:     maxEpochs,
		TrainingPairs: len(pairs),
	}, nil
}

// CancelRun requests cooperative cancellation. The engine checks the flag at
// the top of every epoch, so the run stays "running" until it winds down.
func (o *Orchestrator) CancelRun() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status.Status != api.RunRunning {
		return ErrNotRunning
	}

	o.cancel = true
	slog.Info("training cancellation requested")
	return nil
}

// Cancelled reports whether cancellation has been requested for the current
// run.
func (o *Orchestrator) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel
}

func (o *Orchestrator) Status() api.TrainingStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Progress is called by the engine after every epoch. globalEpoch counts
// across folds (foldIdx*maxEpochs + epoch within fold).
func (o *Orchestrator) Progress(globalEpoch int, valDice float64, foldIdx int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status.Epoch = globalEpoch
	o.status.CurrentFold = foldIdx
	if valDice > o.status.BestDice {
		o.status.BestDice = valDice
	}
}

// Finish records the terminal outcome of a run. The version is only surfaced
// on success; cancelled and failed runs keep their artifacts under versions/
// but do not become the advertised version. Cached inference models are
// invalidated on every outcome because the run may have overwritten fold
// checkpoints in current/ before stopping.
func (o *Orchestrator) Finish(version string, meanDice float64, runErr error) {
	o.mu.Lock()
	now := time.Now().UTC()
	o.status.CompletedAt = &now

	switch {
	case runErr == nil:
		o.status.Status = api.RunCompleted
		o.status.BestDice = meanDice
		o.status.Version = version
	case errors.Is(runErr, ErrCancelled), errors.Is(runErr, context.Canceled):
		o.status.Status = api.RunCancelled
	default:
		o.status.Status = api.RunError
		o.status.Error = runErr.Error()
	}
	o.mu.Unlock()

	o.inference.Invalidate()

	if runErr == nil {
		slog.Info("training run completed", "version", version, "mean_dice", meanDice)
	} else {
		slog.Warn("training run did not complete", "error", runErr)
	}
}

// Restore copies a finalized version's checkpoints back into current/ and
// drops any cached inference models. Rejected while a run is in progress.
func (o *Orchestrator) Restore(ctx context.Context, version string) error {
	o.mu.Lock()
	running := o.status.Status == api.RunRunning
	o.mu.Unlock()

	if running {
		return ErrAlreadyRunning
	}

	if err := o.store.Restore(ctx, version); err != nil {
		return err
	}

	o.inference.Invalidate()
	slog.Info("restored model version", "version", version)
	return nil
}
