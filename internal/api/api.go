package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"seg-backend/internal/database"
	"seg-backend/internal/dataset"
	"seg-backend/internal/inference"
	"seg-backend/internal/messaging"
	"seg-backend/internal/storage"
	"seg-backend/internal/training"
	"seg-backend/internal/versions"
	"seg-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Uploaded annotations are single pngs; anything past this is not a mask.
const maxAnnotationBytes = 32 << 20

type BackendService struct {
	db           *gorm.DB
	data         *dataset.Manager
	store        *versions.Store
	orchestrator *training.Orchestrator
	inference    *inference.Engine
	publisher    messaging.Publisher
	objects      storage.ObjectStore
	exportBucket string
	serviceName  string
}

func NewBackendService(
	db *gorm.DB,
	data *dataset.Manager,
	store *versions.Store,
	orchestrator *training.Orchestrator,
	inference *inference.Engine,
	publisher messaging.Publisher,
	objects storage.ObjectStore,
	exportBucket string,
	serviceName string,
) *BackendService {
	return &BackendService{
		db:           db,
		data:         data,
		store:        store,
		orchestrator: orchestrator,
		inference:    inference,
		publisher:    publisher,
		objects:      objects,
		exportBucket: exportBucket,
		serviceName:  serviceName,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/info", RestHandler(s.GetInfo))

	r.Route("/images", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListImages))
		r.Get("/next", RestHandler(s.NextImage))
		r.Get("/{image_id}/download", RestBinaryHandler(s.DownloadImage))
		r.Post("/{image_id}/infer", RestBinaryHandler(s.InferImage))
		r.Put("/{image_id}/annotation", RestHandler(s.SaveAnnotation))
		r.Get("/{image_id}/annotation", RestBinaryHandler(s.GetAnnotation))
	})

	r.Route("/train", func(r chi.Router) {
		r.Post("/", RestHandler(s.StartTraining))
		r.Post("/cancel", RestHandler(s.CancelTraining))
		r.Get("/status", RestHandler(s.TrainingStatus))
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/versions", RestHandler(s.ListVersions))
		r.Get("/versions/{version}", RestHandler(s.GetVersion))
		r.Post("/versions/{version}/restore", RestHandler(s.RestoreVersion))
		r.Post("/export", RestHandler(s.StartExport))
		r.Get("/export", RestHandler(s.ListExportJobs))
		r.Get("/export/{job_id}", RestHandler(s.GetExportJob))
		r.Get("/latest", RestBinaryHandler(s.DownloadLatestExport))
	})
}

func (s *BackendService) GetInfo(r *http.Request) (any, error) {
	stats, err := s.data.Stats()
	if err != nil {
		return nil, fmt.Errorf("error reading dataset stats: %w", err)
	}

	events, err := database.CountAnnotationEvents(r.Context(), s.db)
	if err != nil {
		return nil, fmt.Errorf("error counting annotation events: %w", err)
	}

	return api.ServiceInfo{
		Name:                 s.serviceName,
		TotalImages:          stats.UnannotatedImages,
		LabeledImages:        stats.UnannotatedLabeled,
		UnlabeledImages:      stats.UnannotatedUnlabeled,
		ModelLoaded:          s.store.HasPromoted(),
		TrainingStatus:       s.orchestrator.Status(),
		CompletedImages:      stats.CompletedImages,
		CompletedAnnotations: stats.CompletedAnnotations,
		TotalTrainingPairs:   stats.TotalTrainingPairs,
		AnnotationEvents:     events,
	}, nil
}

func (s *BackendService) ListImages(r *http.Request) (any, error) {
	images, err := s.data.ListInbox()
	if err != nil {
		return nil, fmt.Errorf("error listing inbox: %w", err)
	}
	return api.ListImagesResponse{Images: images}, nil
}

func (s *BackendService) NextImage(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[struct {
		Strategy string `schema:"strategy"`
	}](r)
	if err != nil {
		return nil, err
	}

	id, err := s.data.PickUnlabeled(params.Strategy)
	if errors.Is(err, dataset.ErrNoUnlabeled) {
		return api.NextImageResponse{ImageId: nil, Message: "all images labeled"}, nil
	}
	if errors.Is(err, dataset.ErrUnknownStrategy) {
		return nil, CodedError(http.StatusBadRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("error picking next image: %w", err)
	}

	return api.NextImageResponse{ImageId: &id}, nil
}

func (s *BackendService) DownloadImage(r *http.Request) (BinaryResponse, error) {
	id, err := URLParamImageId(r, "image_id")
	if err != nil {
		return BinaryResponse{}, err
	}

	path, err := s.data.InboxImagePath(id)
	if errors.Is(err, dataset.ErrNotFound) {
		return BinaryResponse{}, CodedErrorf(http.StatusNotFound, "no inbox image with id '%s'", id)
	}
	if err != nil {
		return BinaryResponse{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return BinaryResponse{}, fmt.Errorf("error reading image %s: %w", id, err)
	}

	return BinaryResponse{ContentType: "image/png", Filename: id, Data: data}, nil
}

func (s *BackendService) InferImage(r *http.Request) (BinaryResponse, error) {
	id, err := URLParamImageId(r, "image_id")
	if err != nil {
		return BinaryResponse{}, err
	}

	path, err := s.data.ResolveImage(id)
	if errors.Is(err, dataset.ErrNotFound) {
		return BinaryResponse{}, CodedErrorf(http.StatusNotFound, "no image with id '%s'", id)
	}
	if err != nil {
		return BinaryResponse{}, err
	}

	mask, err := s.inference.Infer(r.Context(), path)
	if errors.Is(err, inference.ErrNoModel) {
		return BinaryResponse{}, CodedErrorf(http.StatusServiceUnavailable, "no trained model available; train a model first")
	}
	if err != nil {
		return BinaryResponse{}, fmt.Errorf("error running inference on %s: %w", id, err)
	}

	return BinaryResponse{ContentType: "image/png", Data: mask}, nil
}

func (s *BackendService) SaveAnnotation(r *http.Request) (any, error) {
	id, err := URLParamImageId(r, "image_id")
	if err != nil {
		return nil, err
	}

	if err := r.ParseMultipartForm(maxAnnotationBytes); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'file' form field: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "error reading uploaded annotation: %v", err)
	}

	if err := s.data.SaveAnnotation(id, data); err != nil {
		if errors.Is(err, dataset.ErrInvalidReference) {
			return nil, CodedErrorf(http.StatusBadRequest, "no inbox image with id '%s'", id)
		}
		return nil, fmt.Errorf("error saving annotation for %s: %w", id, err)
	}

	database.SaveAnnotationEvent(r.Context(), s.db, id, int64(len(data)))

	return api.SaveAnnotationResponse{Status: "saved", ImageId: id}, nil
}

func (s *BackendService) GetAnnotation(r *http.Request) (BinaryResponse, error) {
	id, err := URLParamImageId(r, "image_id")
	if err != nil {
		return BinaryResponse{}, err
	}

	path, err := s.data.ResolveAnnotation(id)
	if errors.Is(err, dataset.ErrNotFound) {
		return BinaryResponse{}, CodedErrorf(http.StatusNotFound, "no annotation for image '%s'", id)
	}
	if err != nil {
		return BinaryResponse{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return BinaryResponse{}, fmt.Errorf("error reading annotation %s: %w", id, err)
	}

	return BinaryResponse{ContentType: "image/png", Filename: id, Data: data}, nil
}

func (s *BackendService) StartTraining(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[struct {
		MaxEpochs int `schema:"max_epochs"`
	}](r)
	if err != nil {
		return nil, err
	}

	pairs, snapshot, err := s.data.TrainingPairs()
	if err != nil {
		return nil, fmt.Errorf("error collecting training pairs: %w", err)
	}

	res, err := s.orchestrator.StartRun(r.Context(), pairs, snapshot, params.MaxEpochs)
	if errors.Is(err, training.ErrInsufficientData) {
		return nil, CodedError(http.StatusBadRequest, err)
	}
	if errors.Is(err, training.ErrAlreadyRunning) {
		return nil, CodedError(http.StatusConflict, err)
	}
	if err != nil {
		return nil, err
	}

	return Accepted{Body: res}, nil
}

func (s *BackendService) CancelTraining(r *http.Request) (any, error) {
	if err := s.orchestrator.CancelRun(); err != nil {
		if errors.Is(err, training.ErrNotRunning) {
			return nil, CodedError(http.StatusConflict, err)
		}
		return nil, err
	}
	return api.CancelTrainingResponse{Status: "cancelling"}, nil
}

func (s *BackendService) TrainingStatus(r *http.Request) (any, error) {
	return s.orchestrator.Status(), nil
}

func (s *BackendService) ListVersions(r *http.Request) (any, error) {
	summaries, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("error listing versions: %w", err)
	}
	return api.ListVersionsResponse{Versions: summaries}, nil
}

func (s *BackendService) GetVersion(r *http.Request) (any, error) {
	version := chi.URLParam(r, "version")

	log, err := s.store.GetLog(version)
	if errors.Is(err, versions.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "no version '%s'", version)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading version %s: %w", version, err)
	}

	return log, nil
}

func (s *BackendService) RestoreVersion(r *http.Request) (any, error) {
	version := chi.URLParam(r, "version")

	err := s.orchestrator.Restore(r.Context(), version)
	if errors.Is(err, training.ErrAlreadyRunning) {
		return nil, CodedErrorf(http.StatusConflict, "cannot restore while a training run is active")
	}
	if errors.Is(err, versions.ErrNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "no version '%s'", version)
	}
	if err != nil {
		return nil, fmt.Errorf("error restoring version %s: %w", version, err)
	}

	return api.RestoreVersionResponse{Status: "restored", Version: version}, nil
}

func (s *BackendService) StartExport(r *http.Request) (any, error) {
	if s.orchestrator.Status().Status == api.RunRunning {
		return nil, CodedErrorf(http.StatusConflict, "cannot export while a training run is active")
	}

	if !s.store.HasPromoted() {
		return nil, CodedErrorf(http.StatusNotFound, "no promoted model to export; train a model first")
	}

	job, err := database.CreateExportJob(r.Context(), s.db, s.store.PromotedVersion())
	if err != nil {
		return nil, fmt.Errorf("error creating export job: %w", err)
	}

	if err := s.publisher.PublishExportTask(r.Context(), messaging.ExportTaskPayload{JobId: job.Id}); err != nil {
		if failErr := database.FailExportJob(r.Context(), s.db, job.Id, err.Error()); failErr != nil {
			slog.Error("error marking export job as failed", "job_id", job.Id, "error", failErr)
		}
		return nil, fmt.Errorf("error queueing export job: %w", err)
	}

	return Accepted{Body: api.StartExportResponse{Status: "queued", JobId: job.Id}}, nil
}

func (s *BackendService) ListExportJobs(r *http.Request) (any, error) {
	jobs, err := database.ListExportJobs(r.Context(), s.db)
	if err != nil {
		return nil, fmt.Errorf("error listing export jobs: %w", err)
	}

	res := make([]api.ExportJob, 0, len(jobs))
	for _, job := range jobs {
		res = append(res, convertExportJob(job))
	}
	return res, nil
}

func (s *BackendService) GetExportJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	job, err := database.GetExportJob(r.Context(), s.db, jobId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, CodedErrorf(http.StatusNotFound, "no export job with id '%s'", jobId)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading export job %s: %w", jobId, err)
	}

	return convertExportJob(job), nil
}

func (s *BackendService) DownloadLatestExport(r *http.Request) (BinaryResponse, error) {
	job, err := database.LatestCompletedExport(r.Context(), s.db)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BinaryResponse{}, CodedErrorf(http.StatusNotFound, "no completed export bundle; export a model first")
	}
	if err != nil {
		return BinaryResponse{}, fmt.Errorf("error finding latest export: %w", err)
	}

	data, err := s.objects.GetObject(r.Context(), s.exportBucket, job.ObjectKey)
	if err != nil {
		return BinaryResponse{}, fmt.Errorf("error fetching export bundle %s: %w", job.ObjectKey, err)
	}

	return BinaryResponse{ContentType: "application/zip", Filename: "model.zip", Data: data}, nil
}
