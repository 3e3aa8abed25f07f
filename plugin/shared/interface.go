package shared

import (
	"net/rpc"

	"seg-backend/pkg/models"

	"github.com/hashicorp/go-plugin"
)

// Handshake is checked before any RPC happens so the host never talks to a
// binary that merely looks like a trainer plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SEG_TRAINER_PLUGIN",
	MagicCookieValue: "6f7db3a90c8f4de2a51c3e8f9b27d614",
}

// Model is the contract a trainer plugin implements. Predict returns
// per-pixel vessel probabilities at the model's working resolution;
// TrainStep runs one optimizer step over a batch and returns the batch
// loss. Checkpoint paths refer to the host filesystem, which the plugin
// process shares.
type Model interface {
	Predict(image models.Image) (models.Heatmap, error)

	TrainStep(images []models.Image, masks []models.Mask, roi models.Mask) (float64, error)

	LoadCheckpoint(path string) error

	SaveCheckpoint(path string) error

	Export(dir string) (string, error)
}

// PluginMap is the set of plugins the host can dispense.
var PluginMap = map[string]plugin.Plugin{
	"model": &ModelPlugin{},
}

// ModelPlugin implements plugin.Plugin over net/rpc; raster payloads are
// gob-encoded in both directions.
type ModelPlugin struct {
	Impl Model
}

func (p *ModelPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *ModelPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}
