package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type ExportJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Version string `gorm:"size:20;not null"`

	// Format is the bundle format reported by the model on completion
	// ("onnx", "linear-json", ...). Empty until the job finishes.
	Format string `gorm:"size:20"`

	Status         string `gorm:"size:20;not null"`
	ObjectKey      string
	Error          string
	CreationTime   time.Time
	CompletionTime sql.NullTime

	// Results snapshots the exported version's run results so the export
	// record stays meaningful even if the version is later deleted.
	Results datatypes.JSON `gorm:"type:jsonb"`
}

type AnnotationEvent struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ImageId      string `gorm:"index;not null"`
	SizeBytes    int64
	CreationTime time.Time
}
