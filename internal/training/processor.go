package training

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"seg-backend/internal/database"
	"seg-backend/internal/messaging"
	"seg-backend/internal/model"
	"seg-backend/internal/storage"
	"seg-backend/internal/versions"

	"gorm.io/gorm"
)

// TaskProcessor consumes training and export tasks from the queue. Training
// tasks run the cross-validation engine and feed progress back into the
// orchestrator; export tasks package the promoted checkpoint into a bundle
// in the object store.
type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	engine       *Engine
	orchestrator *Orchestrator
	store        *versions.Store
	loader       model.ModelLoader

	exportBucket string
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, engine *Engine, orchestrator *Orchestrator, store *versions.Store, loader model.ModelLoader, exportBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:           db,
		storage:      storage,
		publisher:    publisher,
		reciever:     reciever,
		engine:       engine,
		orchestrator: orchestrator,
		store:        store,
		loader:       loader,
		exportBucket: exportBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.TrainingQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling training task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	case messaging.ExportQueue:
		var payload messaging.ExportTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling export task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processExportTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// processTrainTask drives one full cross-validation run. The orchestrator
// hears about every epoch and about the terminal state. A cancelled run is
// still a handled task: the message is acked, not retried.
func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	version, meanDice, err := proc.engine.Run(ctx, payload.Pairs, payload.Snapshot, payload.MaxEpochs, RunCallbacks{
		OnEpoch:   proc.orchestrator.Progress,
		Cancelled: proc.orchestrator.Cancelled,
	})

	proc.orchestrator.Finish(version, meanDice, err)

	if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (proc *TaskProcessor) processExportTask(ctx context.Context, payload messaging.ExportTaskPayload) error {
	job, err := database.GetExportJob(ctx, proc.db, payload.JobId)
	if err != nil {
		return fmt.Errorf("error loading export job %s: %w", payload.JobId, err)
	}

	if err := database.UpdateExportJobStatus(ctx, proc.db, job.Id, database.JobRunning); err != nil {
		return fmt.Errorf("error marking export job %s as running: %w", job.Id, err)
	}

	format, objectKey, err := proc.exportModel(ctx, job)
	if err != nil {
		if failErr := database.FailExportJob(ctx, proc.db, job.Id, err.Error()); failErr != nil {
			slog.Error("error marking export job as failed", "job_id", job.Id, "error", failErr)
		}
		return err
	}

	// Snapshot the exported version's final metrics onto the job so the
	// record stays meaningful even if the version is later deleted.
	var results any
	if job.Version != "" {
		if vlog, err := proc.store.GetLog(job.Version); err == nil && vlog.Results != nil {
			results = vlog.Results
		}
	}

	if err := database.CompleteExportJob(ctx, proc.db, job.Id, format, objectKey, results); err != nil {
		return fmt.Errorf("error completing export job %s: %w", job.Id, err)
	}

	slog.Info("export bundle uploaded", "job_id", job.Id, "format", format, "key", objectKey)
	return nil
}

// exportModel loads the promoted checkpoint, writes the edge bundle into a
// temp dir, and uploads it zipped. Returns the bundle format and object key.
func (proc *TaskProcessor) exportModel(ctx context.Context, job database.ExportJob) (string, string, error) {
	best := proc.store.BestCheckpoint()
	if _, err := os.Stat(best); err != nil {
		return "", "", fmt.Errorf("no promoted checkpoint to export: %w", err)
	}

	m, err := proc.loader()
	if err != nil {
		return "", "", fmt.Errorf("error creating model: %w", err)
	}
	defer m.Release()

	if err := m.LoadCheckpoint(best); err != nil {
		return "", "", fmt.Errorf("error loading promoted checkpoint: %w", err)
	}

	dir, err := os.MkdirTemp("", "seg-export-*")
	if err != nil {
		return "", "", fmt.Errorf("error creating export dir: %w", err)
	}
	defer os.RemoveAll(dir)

	format, err := m.Export(ctx, dir)
	if err != nil {
		return "", "", fmt.Errorf("error exporting model: %w", err)
	}

	bundle, err := zipDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("error packaging export bundle: %w", err)
	}

	objectKey := fmt.Sprintf("exports/%s/model.zip", job.Id)
	if err := proc.storage.PutObject(ctx, proc.exportBucket, objectKey, bytes.NewReader(bundle)); err != nil {
		return "", "", fmt.Errorf("error uploading export bundle: %w", err)
	}

	return format, objectKey, nil
}

// zipDir packs a directory's files (relative paths, no directory entries)
// into an in-memory zip. Export bundles are a handful of small files, so
// buffering them is fine.
func zipDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		f, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		_, err = io.Copy(f, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
