package migration_1

import (
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Early export jobs were always ONNX bundles; the format and results columns
// were added when linear-json exports landed.
type ExportJob struct {
	Format  string         `gorm:"size:20"`
	Results datatypes.JSON `gorm:"type:jsonb"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&ExportJob{}, "format"); err != nil {
		return fmt.Errorf("error adding Format column: %w", err)
	}

	if err := db.Migrator().AddColumn(&ExportJob{}, "results"); err != nil {
		return fmt.Errorf("error adding Results column: %w", err)
	}

	if err := db.Model(&ExportJob{}).
		Where("format IS NULL").
		Update("format", "onnx").Error; err != nil {
		return fmt.Errorf("error setting default value for Format: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&ExportJob{}, "format"); err != nil {
		return fmt.Errorf("error dropping Format column: %w", err)
	}

	if err := db.Migrator().DropColumn(&ExportJob{}, "results"); err != nil {
		return fmt.Errorf("error dropping Results column: %w", err)
	}

	return nil
}
