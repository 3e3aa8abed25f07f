package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"seg-backend/pkg/models"
)

// Vessel pixels are rare inside the field of view, so the positive class is
// upweighted in the loss.
const positiveClassWeight = 5.0

const logEps = 1e-7

// LinearModel is a per-pixel logistic regression over the three channel
// intensities. It trains in milliseconds on CPU and checkpoints as JSON,
// which makes it the default backend for development and tests; production
// deployments swap in the plugin backend.
type LinearModel struct {
	weights [3]float64
	bias    float64

	lr float64
	wd float64
}

type linearCheckpoint struct {
	Weights [3]float64 `json:"weights"`
	Bias    float64    `json:"bias"`
}

func NewLinearModel(learningRate, weightDecay float64) *LinearModel {
	return &LinearModel{lr: learningRate, wd: weightDecay}
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func (m *LinearModel) Predict(ctx context.Context, image models.Image) (models.Heatmap, error) {
	if err := ctx.Err(); err != nil {
		return models.Heatmap{}, err
	}

	heatmap := models.NewHeatmap(image.Width, image.Height)
	for i := range heatmap.Pix {
		z := m.bias
		for c := 0; c < 3; c++ {
			z += m.weights[c] * float64(image.Pix[i*3+c])
		}
		heatmap.Pix[i] = float32(sigmoid(z))
	}
	return heatmap, nil
}

func (m *LinearModel) TrainStep(ctx context.Context, images []models.Image, masks []models.Mask, roi models.Mask) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(images) != len(masks) {
		return 0, fmt.Errorf("batch has %d images but %d masks", len(images), len(masks))
	}

	var gradW [3]float64
	var gradB, loss float64
	n := 0

	for b, image := range images {
		mask := masks[b]
		if mask.Width != image.Width || mask.Height != image.Height {
			return 0, fmt.Errorf("image/mask dimension mismatch: %dx%d vs %dx%d",
				image.Width, image.Height, mask.Width, mask.Height)
		}

		for i := range mask.Pix {
			if len(roi.Pix) > 0 && roi.Pix[i] == 0 {
				continue
			}

			z := m.bias
			for c := 0; c < 3; c++ {
				z += m.weights[c] * float64(image.Pix[i*3+c])
			}
			p := sigmoid(z)

			var dz float64
			if mask.Pix[i] != 0 {
				loss += -positiveClassWeight * math.Log(math.Max(p, logEps))
				dz = positiveClassWeight * (p - 1)
			} else {
				loss += -math.Log(math.Max(1-p, logEps))
				dz = p
			}

			for c := 0; c < 3; c++ {
				gradW[c] += dz * float64(image.Pix[i*3+c])
			}
			gradB += dz
			n++
		}
	}

	if n == 0 {
		return 0, fmt.Errorf("training batch has no pixels inside the roi")
	}

	for c := 0; c < 3; c++ {
		m.weights[c] -= m.lr * (gradW[c]/float64(n) + m.wd*m.weights[c])
	}
	m.bias -= m.lr * gradB / float64(n)

	return loss / float64(n), nil
}

func (m *LinearModel) LoadCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading checkpoint %s: %w", path, err)
	}

	var ckpt linearCheckpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return fmt.Errorf("error parsing checkpoint %s: %w", path, err)
	}

	m.weights = ckpt.Weights
	m.bias = ckpt.Bias
	return nil
}

func (m *LinearModel) SaveCheckpoint(path string) error {
	data, err := json.Marshal(linearCheckpoint{Weights: m.weights, Bias: m.bias})
	if err != nil {
		return fmt.Errorf("error serializing checkpoint: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing checkpoint %s: %w", path, err)
	}
	return nil
}

func (m *LinearModel) Export(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := m.SaveCheckpoint(filepath.Join(dir, "model.json")); err != nil {
		return "", err
	}

	manifest, err := json.Marshal(map[string]string{
		"format":  "linear-json",
		"weights": "model.json",
	})
	if err != nil {
		return "", fmt.Errorf("error serializing export manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0644); err != nil {
		return "", fmt.Errorf("error writing export manifest: %w", err)
	}

	return "linear-json", nil
}

func (m *LinearModel) Release() {}
