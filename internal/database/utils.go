package database

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func CreateExportJob(ctx context.Context, db *gorm.DB, version string) (ExportJob, error) {
	job := ExportJob{
		Id:           uuid.New(),
		Version:      version,
		Status:       JobQueued,
		CreationTime: time.Now().UTC(),
	}

	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating export job", "version", version, "error", err)
		return ExportJob{}, err
	}
	return job, nil
}

func GetExportJob(ctx context.Context, db *gorm.DB, jobId uuid.UUID) (ExportJob, error) {
	var job ExportJob
	if err := db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		return ExportJob{}, err
	}
	return job, nil
}

func UpdateExportJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ExportJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating export job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func CompleteExportJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, format, objectKey string, results any) error {
	updates := map[string]any{
		"status":          JobCompleted,
		"format":          format,
		"object_key":      objectKey,
		"completion_time": time.Now().UTC(),
	}

	if results != nil {
		if data, err := json.Marshal(results); err != nil {
			slog.Error("error marshalling export job results", "job_id", jobId, "error", err)
		} else {
			updates["results"] = datatypes.JSON(data)
		}
	}

	if err := txn.WithContext(ctx).Model(&ExportJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error completing export job", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func FailExportJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errMsg string) error {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           errMsg,
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&ExportJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error failing export job", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

// PendingExportJobs returns QUEUED jobs so they can be re-enqueued after a
// restart. Ordered by creation time so recovery preserves submission order.
func PendingExportJobs(ctx context.Context, db *gorm.DB) ([]ExportJob, error) {
	var jobs []ExportJob
	if err := db.WithContext(ctx).Where("status = ?", JobQueued).Order("creation_time ASC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func ListExportJobs(ctx context.Context, db *gorm.DB) ([]ExportJob, error) {
	var jobs []ExportJob
	if err := db.WithContext(ctx).Order("creation_time DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func LatestCompletedExport(ctx context.Context, db *gorm.DB) (ExportJob, error) {
	var job ExportJob
	if err := db.WithContext(ctx).Where("status = ?", JobCompleted).Order("completion_time DESC").First(&job).Error; err != nil {
		return ExportJob{}, err
	}
	return job, nil
}

// SaveAnnotationEvent records an annotation save in the audit trail. Failures
// are logged and swallowed: the annotation itself has already been written.
func SaveAnnotationEvent(ctx context.Context, db *gorm.DB, imageId string, sizeBytes int64) {
	event := AnnotationEvent{
		Id:           uuid.New(),
		ImageId:      imageId,
		SizeBytes:    sizeBytes,
		CreationTime: time.Now().UTC(),
	}

	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		slog.Error("error saving annotation event", "image_id", imageId, "error", err)
	}
}

func CountAnnotationEvents(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&AnnotationEvent{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
