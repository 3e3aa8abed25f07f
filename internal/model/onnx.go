//go:build !windows

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"seg-backend/pkg/models"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxModel serves an exported segmentation graph through onnxruntime. It
// is inference only: training and checkpoint writing stay in the linear or
// plugin backends. The runtime environment must be initialized by the
// process before the first session is created.
type OnnxModel struct {
	lock    sync.Mutex
	session *ort.DynamicAdvancedSession
	path    string
}

func NewOnnxModel() *OnnxModel {
	return &OnnxModel{}
}

func (m *OnnxModel) LoadCheckpoint(path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	session, err := ort.NewDynamicAdvancedSession(path, []string{"input"}, []string{"output"}, nil)
	if err != nil {
		return fmt.Errorf("error creating onnx session from %s: %w", path, err)
	}

	if m.session != nil {
		m.session.Destroy()
	}
	m.session = session
	m.path = path
	return nil
}

func (m *OnnxModel) Predict(ctx context.Context, image models.Image) (models.Heatmap, error) {
	if err := ctx.Err(); err != nil {
		return models.Heatmap{}, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.session == nil {
		return models.Heatmap{}, errors.New("onnx model has no graph loaded")
	}

	w, h := image.Width, image.Height

	// The graph expects NCHW; Image stores interleaved HWC.
	chw := make([]float32, 3*h*w)
	for c := 0; c < 3; c++ {
		for i := 0; i < h*w; i++ {
			chw[c*h*w+i] = image.Pix[i*3+c]
		}
	}

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(h), int64(w)), chw)
	if err != nil {
		return models.Heatmap{}, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(h), int64(w)))
	if err != nil {
		return models.Heatmap{}, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return models.Heatmap{}, fmt.Errorf("error running onnx session: %w", err)
	}

	heatmap := models.NewHeatmap(w, h)
	for i, v := range output.GetData() {
		heatmap.Pix[i] = float32(sigmoid(float64(v)))
	}
	return heatmap, nil
}

func (m *OnnxModel) TrainStep(ctx context.Context, images []models.Image, masks []models.Mask, roi models.Mask) (float64, error) {
	return 0, ErrNotTrainable
}

func (m *OnnxModel) SaveCheckpoint(path string) error {
	return ErrNotTrainable
}

func (m *OnnxModel) Export(ctx context.Context, dir string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.session == nil {
		return "", errors.New("onnx model has no graph loaded")
	}

	src, err := os.Open(m.path)
	if err != nil {
		return "", fmt.Errorf("error opening graph %s: %w", m.path, err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, "model.onnx"))
	if err != nil {
		return "", fmt.Errorf("error creating export file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("error copying graph: %w", err)
	}
	return "onnx", nil
}

func (m *OnnxModel) Release() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
