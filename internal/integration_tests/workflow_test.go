package integrationtests

import (
	"archive/zip"
	"bytes"
	"context"
	"image/png"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"seg-backend/internal/api"
	"seg-backend/internal/database"
	"seg-backend/internal/dataset"
	"seg-backend/internal/inference"
	"seg-backend/internal/messaging"
	"seg-backend/internal/model"
	"seg-backend/internal/storage"
	"seg-backend/internal/training"
	"seg-backend/internal/versions"
	"seg-backend/pkg/client"

	pkgapi "seg-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	archiveBucket = "seg-artifacts"
	exportBucket  = "seg-exports"

	imageSize = 16
	numFolds  = 2
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func testDefaults() training.Defaults {
	return training.Defaults{
		Hyperparameters: pkgapi.Hyperparameters{
			EncoderName:      "linear",
			ImageSize:        imageSize,
			BatchSize:        2,
			LearningRate:     0.5,
			MaxEpochsPerFold: 3,
			NumFolds:         numFolds,
		},
		MinTrainingPairs: 2,
	}
}

func setupArchive(t *testing.T, ctx context.Context) *storage.S3ObjectStore {
	t.Helper()

	minioUrl := setupMinioContainer(t, ctx)

	objects, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        minioUrl,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	require.NoError(t, objects.CreateBucket(ctx, archiveBucket))
	require.NoError(t, objects.CreateBucket(ctx, exportBucket))

	return objects
}

// startBackend wires the production stack against the given archive:
// sqlite metadata, in-memory queue, a running worker, and the full http
// surface mounted under /api/v1 the way cmd/server serves it.
func startBackend(t *testing.T, ctx context.Context, objects storage.ObjectStore) (*client.Client, string) {
	t.Helper()

	db := createDB(t)

	dataRoot := filepath.Join(t.TempDir(), "dataset")
	data, err := dataset.NewManager(dataRoot)
	require.NoError(t, err)

	store, err := versions.NewStore(filepath.Join(t.TempDir(), "models"), objects, archiveBucket)
	require.NoError(t, err)

	defaults := testDefaults()
	loader := model.NewModelLoaders(model.LoaderConfig{LearningRate: 0.5})[model.Linear]

	queue := messaging.NewInMemoryQueue()
	engine := inference.NewEngine(store, loader, numFolds, imageSize)
	orchestrator := training.NewOrchestrator(queue, store, engine, defaults)
	trainer := training.NewEngine(store, loader, defaults)
	worker := training.NewTaskProcessor(db, objects, queue, queue, trainer, orchestrator, store, loader, exportBucket)

	service := api.NewBackendService(db, data, store, orchestrator, engine, queue, objects, exportBucket, "seg-backend")

	router := chi.NewRouter()
	router.Route("/api/v1", service.AddRoutes)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	go worker.Start()
	t.Cleanup(worker.Stop)

	return client.New(server.URL + "/api/v1"), dataRoot
}

func waitForTraining(t *testing.T, ctx context.Context, backend *client.Client) pkgapi.TrainingStatus {
	t.Helper()

	var status pkgapi.TrainingStatus
	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)

		var err error
		status, err = backend.TrainingStatus(ctx)
		require.NoError(t, err)

		if status.Status != pkgapi.RunRunning {
			return status
		}
	}

	t.Fatal("timeout reached before training run completed")
	return status
}

func waitForExport(t *testing.T, ctx context.Context, backend *client.Client, jobId uuid.UUID) pkgapi.ExportJob {
	t.Helper()

	var job pkgapi.ExportJob
	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)

		var err error
		job, err = backend.GetExportJob(ctx, jobId)
		require.NoError(t, err)

		if job.Status != database.JobQueued && job.Status != database.JobRunning {
			return job
		}
	}

	t.Fatal("timeout reached before export job completed")
	return job
}

func TestAnnotationTrainingExportWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objects := setupArchive(t, ctx)
	backend, dataRoot := startBackend(t, ctx, objects)

	require.NoError(t, backend.Health(ctx))

	// Three labeled pairs on disk plus one image the workflow labels over
	// the api.
	for i, id := range []string{"ret_a.png", "ret_b.png", "ret_c.png", "ret_d.png"} {
		writeTrainingPair(t, dataRoot, id, imageSize, i < 3)
	}

	info, err := backend.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, info.TotalImages)
	assert.Equal(t, 3, info.LabeledImages)
	assert.False(t, info.ModelLoaded)

	next, err := backend.NextImage(ctx, "sequential")
	require.NoError(t, err)
	require.NotNil(t, next.ImageId)
	assert.Equal(t, "ret_d.png", *next.ImageId)

	// No model yet, so inference refuses with 503.
	_, err = backend.Infer(ctx, *next.ImageId)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.Code)

	// Label the remaining image through the api and read it back.
	original, err := backend.DownloadImage(ctx, *next.ImageId)
	require.NoError(t, err)
	require.NotEmpty(t, original)

	mask := bandMaskPng(t, imageSize)
	saved, err := backend.SaveAnnotation(ctx, *next.ImageId, mask)
	require.NoError(t, err)
	assert.Equal(t, "saved", saved.Status)

	stored, err := backend.GetAnnotation(ctx, *next.ImageId)
	require.NoError(t, err)
	assert.Equal(t, mask, stored)

	next, err = backend.NextImage(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, next.ImageId)

	// Train across the queue: the worker picks the task up asynchronously.
	started, err := backend.StartTraining(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "started", started.Status)
	assert.Equal(t, 2, started.MaxEpochs)
	assert.Equal(t, 4, started.TrainingPairs)

	status := waitForTraining(t, ctx, backend)
	require.Equal(t, pkgapi.RunCompleted, status.Status)
	assert.Equal(t, "v001", status.Version)
	assert.Greater(t, status.BestDice, 0.5)

	summaries, err := backend.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "v001", summaries[0].Version)

	trainingLog, err := backend.GetVersion(ctx, "v001")
	require.NoError(t, err)
	assert.Len(t, trainingLog.Folds, numFolds)
	require.NotNil(t, trainingLog.Results)
	assert.Greater(t, trainingLog.Results.MeanDice, 0.5)

	// The finalized version is mirrored into the archive bucket.
	_, err = objects.GetObject(ctx, archiveBucket, "versions/v001/training_log.json")
	require.NoError(t, err)

	// Inference now serves a mask for any image.
	maskBytes, err := backend.Infer(ctx, "ret_a.png")
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(maskBytes))
	require.NoError(t, err)
	assert.Equal(t, imageSize, decoded.Bounds().Dx())

	// Export the promoted model and download the bundle.
	export, err := backend.StartExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "queued", export.Status)

	job := waitForExport(t, ctx, backend, export.JobId)
	require.Equal(t, database.JobCompleted, job.Status)
	assert.Equal(t, "v001", job.Version)

	bundle, err := backend.DownloadLatestModel(ctx)
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	require.NoError(t, err)

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "model.json")
	assert.Contains(t, names, "manifest.json")
}

// TestRestoreFromArchive trains in one backend process and restores the
// version in a second one that shares only the archive bucket, the way a
// redeployed instance recovers its model.
func TestRestoreFromArchive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objects := setupArchive(t, ctx)

	first, firstData := startBackend(t, ctx, objects)
	for _, id := range []string{"ret_a.png", "ret_b.png"} {
		writeTrainingPair(t, firstData, id, imageSize, true)
	}

	_, err := first.StartTraining(ctx, 2)
	require.NoError(t, err)

	status := waitForTraining(t, ctx, first)
	require.Equal(t, pkgapi.RunCompleted, status.Status)

	// A second instance with empty local state sees no versions until it
	// restores from the archive.
	second, secondData := startBackend(t, ctx, objects)
	writeTrainingPair(t, secondData, "fresh.png", imageSize, false)

	summaries, err := second.ListVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	var statusErr *client.StatusError
	_, err = second.GetVersion(ctx, "v001")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Code)

	restored, err := second.RestoreVersion(ctx, "v001")
	require.NoError(t, err)
	assert.Equal(t, "v001", restored.Version)

	summaries, err = second.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "v001", summaries[0].Version)

	info, err := second.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.ModelLoaded)

	maskBytes, err := second.Infer(ctx, "fresh.png")
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(maskBytes))
	require.NoError(t, err)
}
