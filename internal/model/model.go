package model

import (
	"context"
	"errors"
	"fmt"

	"seg-backend/pkg/models"
)

// ModelType selects the segmentation backend.
type ModelType string

// Available model types
const (
	Linear ModelType = "linear"
	Onnx   ModelType = "onnx"
	Plugin ModelType = "plugin"
)

func ParseModelType(s string) (ModelType, error) {
	switch t := ModelType(s); t {
	case Linear, Onnx, Plugin:
		return t, nil
	default:
		return "", fmt.Errorf("unknown model type '%s'", s)
	}
}

// ErrNotTrainable is returned by backends that only serve inference.
var ErrNotTrainable = errors.New("model backend does not support training")

// Model is a trainable vessel segmenter. Predict returns per-pixel vessel
// probabilities at the model's working resolution. TrainStep runs one
// optimizer step over a batch and returns the batch loss; the roi mask
// restricts the loss to the fundus field of view.
type Model interface {
	Predict(ctx context.Context, image models.Image) (models.Heatmap, error)

	TrainStep(ctx context.Context, images []models.Image, masks []models.Mask, roi models.Mask) (float64, error)

	LoadCheckpoint(path string) error

	SaveCheckpoint(path string) error

	Export(ctx context.Context, dir string) (string, error)

	Release()
}

type ModelLoader func() (Model, error)

// LoaderConfig carries the wiring-time options for the backends.
type LoaderConfig struct {
	LearningRate  float64
	WeightDecay   float64
	PluginCommand string
	PluginArgs    []string
}

func NewModelLoaders(cfg LoaderConfig) map[ModelType]ModelLoader {
	return map[ModelType]ModelLoader{
		Linear: func() (Model, error) {
			return NewLinearModel(cfg.LearningRate, cfg.WeightDecay), nil
		},
		Onnx: func() (Model, error) {
			return NewOnnxModel(), nil
		},
		Plugin: func() (Model, error) {
			return LoadPluginModel(cfg.PluginCommand, cfg.PluginArgs...)
		},
	}
}
