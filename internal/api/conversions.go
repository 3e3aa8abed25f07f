package api

import (
	"encoding/json"
	"log/slog"

	"seg-backend/internal/database"
	"seg-backend/pkg/api"
)

func convertExportJob(job database.ExportJob) api.ExportJob {
	res := api.ExportJob{
		JobId:        job.Id,
		Format:       job.Format,
		Version:      job.Version,
		Status:       job.Status,
		ObjectKey:    job.ObjectKey,
		Error:        job.Error,
		CreationTime: job.CreationTime,
	}

	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		res.CompletionTime = &t
	}

	if len(job.Results) > 0 {
		var results api.RunResults
		if err := json.Unmarshal(job.Results, &results); err != nil {
			slog.Error("error parsing export job results", "job_id", job.Id, "error", err)
		} else {
			res.Results = &results
		}
	}

	return res
}
