package training_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"seg-backend/internal/dataset"
	"seg-backend/internal/messaging"
	"seg-backend/internal/training"
	"seg-backend/internal/versions"
	"seg-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvalidator struct {
	calls int
}

func (f *fakeInvalidator) Invalidate() { f.calls++ }

type failingPublisher struct{}

func (failingPublisher) PublishTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	return errors.New("broker unavailable")
}

func (failingPublisher) PublishExportTask(ctx context.Context, payload messaging.ExportTaskPayload) error {
	return errors.New("broker unavailable")
}

func (failingPublisher) Close() {}

func testDefaults() training.Defaults {
	return training.Defaults{
		Hyperparameters: api.Hyperparameters{
			EncoderName:      "linear",
			ImageSize:        16,
			BatchSize:        2,
			LearningRate:     0.5,
			MaxEpochsPerFold: 3,
			NumFolds:         2,
		},
		MinTrainingPairs: 2,
	}
}

func testPairs(n int) []dataset.Pair {
	pairs := make([]dataset.Pair, n)
	for i := range pairs {
		pairs[i] = dataset.Pair{Id: string(rune('a' + i)), ImagePath: "img", AnnotationPath: "ann"}
	}
	return pairs
}

func newOrchestrator(t *testing.T) (*training.Orchestrator, *messaging.InMemoryQueue, *fakeInvalidator) {
	t.Helper()

	store, err := versions.NewStore(t.TempDir(), nil, "")
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	inv := &fakeInvalidator{}
	return training.NewOrchestrator(queue, store, inv, testDefaults()), queue, inv
}

func TestStartRunPublishesTask(t *testing.T) {
	orch, queue, _ := newOrchestrator(t)

	resp, err := orch.StartRun(context.Background(), testPairs(3), api.DatasetSnapshot{TotalPairs: 3, CompletedPairs: 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, 4, resp.MaxEpochs)
	assert.Equal(t, 3, resp.TrainingPairs)

	status := orch.Status()
	assert.Equal(t, api.RunRunning, status.Status)
	assert.Equal(t, 2*4, status.MaxEpochs)
	assert.Equal(t, 2, status.NumFolds)
	require.NotNil(t, status.StartedAt)
	assert.False(t, orch.Cancelled())

	task := <-queue.Tasks()
	assert.Equal(t, messaging.TrainingQueue, task.Type())

	var payload messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Len(t, payload.Pairs, 3)
	assert.Equal(t, 4, payload.MaxEpochs)
	assert.Equal(t, 3, payload.Snapshot.TotalPairs)
}

func TestStartRunRejectsConcurrentRuns(t *testing.T) {
	orch, _, _ := newOrchestrator(t)

	_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 0)
	require.NoError(t, err)

	_, err = orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 0)
	assert.ErrorIs(t, err, training.ErrAlreadyRunning)
}

func TestStartRunInsufficientData(t *testing.T) {
	orch, _, _ := newOrchestrator(t)

	_, err := orch.StartRun(context.Background(), testPairs(1), api.DatasetSnapshot{}, 0)
	assert.ErrorIs(t, err, training.ErrInsufficientData)
	assert.Equal(t, api.RunIdle, orch.Status().Status)
}

func TestStartRunDefaultsMaxEpochs(t *testing.T) {
	orch, queue, _ := newOrchestrator(t)

	resp, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.MaxEpochs)

	task := <-queue.Tasks()
	var payload messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, 3, payload.MaxEpochs)
}

func TestStartRunPublishFailureRestoresStatus(t *testing.T) {
	store, err := versions.NewStore(t.TempDir(), nil, "")
	require.NoError(t, err)

	orch := training.NewOrchestrator(failingPublisher{}, store, &fakeInvalidator{}, testDefaults())

	_, err = orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, training.ErrAlreadyRunning)

	// The failed start must not leave the orchestrator stuck in running.
	assert.Equal(t, api.RunIdle, orch.Status().Status)
}

func TestCancelRun(t *testing.T) {
	orch, _, _ := newOrchestrator(t)

	assert.ErrorIs(t, orch.CancelRun(), training.ErrNotRunning)

	_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 0)
	require.NoError(t, err)

	require.NoError(t, orch.CancelRun())
	assert.True(t, orch.Cancelled())

	// Cancellation is cooperative: the run stays running until the worker
	// winds down.
	assert.Equal(t, api.RunRunning, orch.Status().Status)

	orch.Finish("", 0, training.ErrCancelled)
	assert.Equal(t, api.RunCancelled, orch.Status().Status)
}

func TestProgressTracksBestDice(t *testing.T) {
	orch, _, _ := newOrchestrator(t)

	_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 2)
	require.NoError(t, err)

	orch.Progress(1, 0.4, 0)
	orch.Progress(2, 0.6, 0)
	orch.Progress(3, 0.5, 1)

	status := orch.Status()
	assert.Equal(t, 3, status.Epoch)
	assert.Equal(t, 1, status.CurrentFold)
	assert.Equal(t, 0.6, status.BestDice)
}

func TestFinish(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		orch, _, inv := newOrchestrator(t)

		_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 2)
		require.NoError(t, err)

		orch.Finish("v001", 0.72, nil)

		status := orch.Status()
		assert.Equal(t, api.RunCompleted, status.Status)
		assert.Equal(t, "v001", status.Version)
		assert.Equal(t, 0.72, status.BestDice)
		require.NotNil(t, status.CompletedAt)
		assert.WithinDuration(t, time.Now().UTC(), *status.CompletedAt, time.Minute)

		assert.Equal(t, 1, inv.calls)
	})

	t.Run("error", func(t *testing.T) {
		orch, _, inv := newOrchestrator(t)

		_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 2)
		require.NoError(t, err)

		orch.Finish("", 0, errors.New("fold 1 exploded"))

		status := orch.Status()
		assert.Equal(t, api.RunError, status.Status)
		assert.Equal(t, "fold 1 exploded", status.Error)
		assert.Empty(t, status.Version)

		assert.Equal(t, 1, inv.calls)
	})

	t.Run("context cancelled counts as cancelled", func(t *testing.T) {
		orch, _, _ := newOrchestrator(t)

		_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 2)
		require.NoError(t, err)

		orch.Finish("", 0, context.Canceled)
		assert.Equal(t, api.RunCancelled, orch.Status().Status)
	})
}

func TestRestoreVersion(t *testing.T) {
	store, err := versions.NewStore(t.TempDir(), nil, "")
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	inv := &fakeInvalidator{}
	orch := training.NewOrchestrator(queue, store, inv, testDefaults())

	log := store.NewRunLog("v001", testDefaults().Hyperparameters, api.DatasetSnapshot{})
	require.NoError(t, store.Finalize(context.Background(), log, []float64{0.5, 0.6}, 1, api.RunCompleted))

	require.NoError(t, orch.Restore(context.Background(), "v001"))
	assert.Equal(t, 1, inv.calls)

	t.Run("unknown version", func(t *testing.T) {
		assert.ErrorIs(t, orch.Restore(context.Background(), "v042"), versions.ErrNotFound)
	})

	t.Run("rejected while running", func(t *testing.T) {
		_, err := orch.StartRun(context.Background(), testPairs(2), api.DatasetSnapshot{}, 1)
		require.NoError(t, err)

		assert.ErrorIs(t, orch.Restore(context.Background(), "v001"), training.ErrAlreadyRunning)
	})
}
