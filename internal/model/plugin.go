package model

import (
	"context"
	"fmt"
	"os/exec"

	"seg-backend/pkg/models"
	"seg-backend/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// PluginModel drives an external trainer process (e.g. the PyTorch U-Net
// wrapper) through hashicorp's plugin protocol. Every Model call is
// forwarded over net/rpc; Release kills the subprocess.
type PluginModel struct {
	client *plugin.Client
	model  shared.Model
}

func LoadPluginModel(command string, args ...string) (*PluginModel, error) {
	if command == "" {
		return nil, fmt.Errorf("no trainer plugin command configured")
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(command, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense("model")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing 'model': %w", err)
	}

	model, ok := raw.(shared.Model)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface is not of expected type shared.Model (actual type: %T)", raw)
	}

	return &PluginModel{client: client, model: model}, nil
}

func (m *PluginModel) Predict(ctx context.Context, image models.Image) (models.Heatmap, error) {
	if err := ctx.Err(); err != nil {
		return models.Heatmap{}, err
	}
	return m.model.Predict(image)
}

func (m *PluginModel) TrainStep(ctx context.Context, images []models.Image, masks []models.Mask, roi models.Mask) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.model.TrainStep(images, masks, roi)
}

func (m *PluginModel) LoadCheckpoint(path string) error {
	return m.model.LoadCheckpoint(path)
}

func (m *PluginModel) SaveCheckpoint(path string) error {
	return m.model.SaveCheckpoint(path)
}

func (m *PluginModel) Export(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.model.Export(dir)
}

func (m *PluginModel) Release() {
	if m.client == nil {
		return
	}

	m.client.Kill()
	m.client = nil
	m.model = nil
}
