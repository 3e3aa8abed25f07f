package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"seg-backend/internal/dataset"
	"seg-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueTrainTask(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	sent := TrainTaskPayload{
		Pairs: []dataset.Pair{
			{Id: "im1.png", ImagePath: "/data/inbox/images/im1.png", AnnotationPath: "/data/inbox/annotations/im1.png"},
			{Id: "im2.png", ImagePath: "/data/completed/images/im2.png", AnnotationPath: "/data/completed/annotations/im2.png"},
		},
		MaxEpochs: 10,
		Snapshot:  api.DatasetSnapshot{TotalPairs: 2, CompletedPairs: 1, UnannotatedPairs: 3},
	}

	require.NoError(t, queue.PublishTrainTask(context.Background(), sent))

	task := <-queue.Tasks()
	assert.Equal(t, TrainingQueue, task.Type())

	var received TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &received))
	assert.Equal(t, sent, received)

	assert.NoError(t, task.Ack())
}

func TestInMemoryQueueExportTask(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	jobId := uuid.New()
	require.NoError(t, queue.PublishExportTask(context.Background(), ExportTaskPayload{JobId: jobId}))

	task := <-queue.Tasks()
	assert.Equal(t, ExportQueue, task.Type())

	var received ExportTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &received))
	assert.Equal(t, jobId, received.JobId)
}

func TestInMemoryQueueOrdering(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, queue.PublishTrainTask(context.Background(), TrainTaskPayload{MaxEpochs: i}))
	}

	for i := 0; i < 5; i++ {
		task := <-queue.Tasks()
		var payload TrainTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		assert.Equal(t, i, payload.MaxEpochs)
	}
}
