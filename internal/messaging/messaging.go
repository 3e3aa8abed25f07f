package messaging

import (
	"context"
	"time"

	"seg-backend/internal/dataset"
	"seg-backend/pkg/api"

	"github.com/google/uuid"
)

const (
	TrainingQueue   = "training_queue"
	ExportQueue     = "export_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// TrainTaskPayload carries everything a training run needs so that the
// worker never has to re-scan the dataset: the pairs are fixed at submit
// time and the run trains on exactly that snapshot.
type TrainTaskPayload struct {
	Pairs     []dataset.Pair
	MaxEpochs int
	Snapshot  api.DatasetSnapshot
}

type ExportTaskPayload struct {
	JobId uuid.UUID
}

type Publisher interface {
	PublishTrainTask(ctx context.Context, payload TrainTaskPayload) error

	PublishExportTask(ctx context.Context, payload ExportTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
