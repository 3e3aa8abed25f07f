package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExportJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Version string `gorm:"size:20;not null"`

	Status         string `gorm:"size:20;not null"`
	ObjectKey      string
	Error          string
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type AnnotationEvent struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ImageId      string `gorm:"index;not null"`
	SizeBytes    int64
	CreationTime time.Time
}

func Migration(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ExportJob{}, &AnnotationEvent{},
	)
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
