package api

import (
	"time"

	"github.com/google/uuid"
)

// Run states reported by the live status document and recorded in each
// version's training log. Version listings additionally use "unknown" for
// directories whose log is missing and "error" for ones that fail to parse.
const (
	RunIdle      = "idle"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunError     = "error"

	VersionUnknown = "unknown"
)

// TrainingStatus is the live progress document served by /train/status and
// embedded in /info. MaxEpochs is the run total across all folds, Epoch the
// global epoch counter across folds.
type TrainingStatus struct {
	Status      string     `json:"status"`
	Epoch       int        `json:"epoch"`
	MaxEpochs   int        `json:"max_epochs"`
	BestDice    float64    `json:"best_dice"`
	CurrentFold int        `json:"current_fold"`
	NumFolds    int        `json:"n_folds"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Version     string     `json:"version,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TrainingLog is the per-version run record persisted as training_log.json.
type TrainingLog struct {
	Version         string          `json:"version"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	Status          string          `json:"status"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	Dataset         DatasetSnapshot `json:"dataset"`
	Results         *RunResults     `json:"results"`
	Folds           []FoldLog       `json:"folds"`
}

type Hyperparameters struct {
	EncoderName      string  `json:"encoder_name"`
	ImageSize        int     `json:"image_size"`
	BatchSize        int     `json:"batch_size"`
	LearningRate     float64 `json:"learning_rate"`
	WeightDecay      float64 `json:"weight_decay"`
	MaxEpochsPerFold int     `json:"max_epochs_per_fold"`
	NumFolds         int     `json:"n_folds"`
}

type DatasetSnapshot struct {
	TotalPairs       int `json:"total_pairs"`
	CompletedPairs   int `json:"completed_pairs"`
	UnannotatedPairs int `json:"unannotated_pairs"`
}

// DatasetStats counts both partitions of the on-disk dataset. A training
// pair is an image with a same-named annotation, regardless of partition.
type DatasetStats struct {
	CompletedImages      int `json:"completed_images"`
	CompletedAnnotations int `json:"completed_annotations"`
	UnannotatedImages    int `json:"unannotated_images"`
	UnannotatedLabeled   int `json:"unannotated_labeled"`
	UnannotatedUnlabeled int `json:"unannotated_unlabeled"`
	TotalTrainingPairs   int `json:"total_training_pairs"`
}

type FoldLog struct {
	FoldIdx    int           `json:"fold_idx"`
	TrainCount int           `json:"train_count"`
	ValCount   int           `json:"val_count"`
	BestDice   float64       `json:"best_dice"`
	BestEpoch  int           `json:"best_epoch"`
	Epochs     []EpochRecord `json:"epochs"`
}

type EpochRecord struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValDice   float64 `json:"val_dice"`
}

type RunResults struct {
	MeanDice     float64   `json:"mean_dice"`
	FoldDices    []float64 `json:"fold_dices"`
	BestFoldIdx  int       `json:"best_fold_idx"`
	BestFoldDice float64   `json:"best_fold_dice"`
}

// VersionSummary is one row of the version listing. Directories with a
// missing or unreadable log still get a row carrying version and status.
type VersionSummary struct {
	Version        string     `json:"version"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	MeanDice       *float64   `json:"mean_dice,omitempty"`
	BestFoldDice   *float64   `json:"best_fold_dice,omitempty"`
	BestFoldIdx    *int       `json:"best_fold_idx,omitempty"`
	CompletedPairs *int       `json:"completed_pairs,omitempty"`
}

type InboxImage struct {
	Id       string `json:"id"`
	HasLabel bool   `json:"has_label"`
}

type ListImagesResponse struct {
	Images []InboxImage `json:"images"`
}

// NextImageResponse reports the next image to annotate; ImageId is null with
// an explanatory message once every inbox image has a label.
type NextImageResponse struct {
	ImageId *string `json:"image_id"`
	Message string  `json:"message,omitempty"`
}

type SaveAnnotationResponse struct {
	Status  string `json:"status"`
	ImageId string `json:"image_id"`
}

type TrainStartedResponse struct {
	Status        string `json:"status"`
	MaxEpochs     int    `json:"max_epochs"`
	TrainingPairs int    `json:"training_pairs"`
}

type CancelTrainingResponse struct {
	Status string `json:"status"`
}

type RestoreVersionResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ListVersionsResponse struct {
	Versions []VersionSummary `json:"versions"`
}

type StartExportResponse struct {
	Status string    `json:"status"`
	JobId  uuid.UUID `json:"job_id"`
}

type ExportJob struct {
	JobId          uuid.UUID  `json:"job_id"`
	Format         string     `json:"format"`
	Version        string     `json:"version,omitempty"`
	Status         string     `json:"status"`
	ObjectKey      string     `json:"object_key,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	// Results echoes the exported version's final metrics.
	Results *RunResults `json:"results,omitempty"`
}

// ServiceInfo is the operator dashboard document: inbox counts, curated
// archive counts, model availability and live training progress.
type ServiceInfo struct {
	Name                 string         `json:"name"`
	TotalImages          int            `json:"total_images"`
	LabeledImages        int            `json:"labeled_images"`
	UnlabeledImages      int            `json:"unlabeled_images"`
	ModelLoaded          bool           `json:"model_loaded"`
	TrainingStatus       TrainingStatus `json:"training_status"`
	CompletedImages      int            `json:"completed_images"`
	CompletedAnnotations int            `json:"completed_annotations"`
	TotalTrainingPairs   int            `json:"total_training_pairs"`
	AnnotationEvents     int64          `json:"annotation_events"`
}
