package training

import (
	_ "embed"
	"fmt"

	"seg-backend/pkg/api"

	"gopkg.in/yaml.v2"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults are the baked-in training settings. Only max_epochs_per_fold can
// be overridden per run; everything else is fixed for a deployment.
type Defaults struct {
	Hyperparameters  api.Hyperparameters
	MinTrainingPairs int
}

func LoadDefaults() (Defaults, error) {
	raw := struct {
		Hyperparameters struct {
			EncoderName      string  `yaml:"encoder_name"`
			ImageSize        int     `yaml:"image_size"`
			BatchSize        int     `yaml:"batch_size"`
			LearningRate     float64 `yaml:"learning_rate"`
			WeightDecay      float64 `yaml:"weight_decay"`
			MaxEpochsPerFold int     `yaml:"max_epochs_per_fold"`
			NumFolds         int     `yaml:"n_folds"`
		} `yaml:"hyperparameters"`
		MinTrainingPairs int `yaml:"min_training_pairs"`
	}{}

	if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
		return Defaults{}, fmt.Errorf("error parsing default hyperparameters: %w", err)
	}

	hp := raw.Hyperparameters
	if hp.ImageSize <= 0 || hp.BatchSize <= 0 || hp.MaxEpochsPerFold <= 0 || hp.NumFolds <= 0 {
		return Defaults{}, fmt.Errorf("invalid default hyperparameters: %+v", hp)
	}

	return Defaults{
		Hyperparameters: api.Hyperparameters{
			EncoderName:      hp.EncoderName,
			ImageSize:        hp.ImageSize,
			BatchSize:        hp.BatchSize,
			LearningRate:     hp.LearningRate,
			WeightDecay:      hp.WeightDecay,
			MaxEpochsPerFold: hp.MaxEpochsPerFold,
			NumFolds:         hp.NumFolds,
		},
		MinTrainingPairs: raw.MinTrainingPairs,
	}, nil
}
