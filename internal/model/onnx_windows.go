//go:build windows

package model

import (
	"context"
	"errors"

	"seg-backend/pkg/models"
)

var ErrOnnxNotSupportedOnWindows = errors.New("onnx models are not supported on windows")

type OnnxModel struct{}

func NewOnnxModel() *OnnxModel {
	return &OnnxModel{}
}

func (m *OnnxModel) Predict(ctx context.Context, image models.Image) (models.Heatmap, error) {
	return models.Heatmap{}, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) TrainStep(ctx context.Context, images []models.Image, masks []models.Mask, roi models.Mask) (float64, error) {
	return 0, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) LoadCheckpoint(path string) error {
	return ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) SaveCheckpoint(path string) error {
	return ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Export(ctx context.Context, dir string) (string, error) {
	return "", ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Release() {
	// no-op
}
