package shared

import (
	"net/rpc"

	"seg-backend/pkg/models"
)

// TrainStepArgs bundles one training batch for the wire.
type TrainStepArgs struct {
	Images []models.Image
	Masks  []models.Mask
	Roi    models.Mask
}

// RPCClient is the host-side stub that forwards Model calls to the plugin
// process.
type RPCClient struct{ client *rpc.Client }

func (c *RPCClient) Predict(image models.Image) (models.Heatmap, error) {
	var resp models.Heatmap
	err := c.client.Call("Plugin.Predict", image, &resp)
	return resp, err
}

func (c *RPCClient) TrainStep(images []models.Image, masks []models.Mask, roi models.Mask) (float64, error) {
	var loss float64
	err := c.client.Call("Plugin.TrainStep", TrainStepArgs{Images: images, Masks: masks, Roi: roi}, &loss)
	return loss, err
}

func (c *RPCClient) LoadCheckpoint(path string) error {
	// net/rpc requires a reply argument even for calls with no result.
	var ok bool
	return c.client.Call("Plugin.LoadCheckpoint", path, &ok)
}

func (c *RPCClient) SaveCheckpoint(path string) error {
	var ok bool
	return c.client.Call("Plugin.SaveCheckpoint", path, &ok)
}

func (c *RPCClient) Export(dir string) (string, error) {
	var format string
	err := c.client.Call("Plugin.Export", dir, &format)
	return format, err
}

// RPCServer runs inside the plugin process and dispatches onto the real
// implementation, conforming to the requirements of net/rpc.
type RPCServer struct {
	Impl Model
}

func (s *RPCServer) Predict(image models.Image, resp *models.Heatmap) error {
	v, err := s.Impl.Predict(image)
	*resp = v
	return err
}

func (s *RPCServer) TrainStep(args TrainStepArgs, loss *float64) error {
	v, err := s.Impl.TrainStep(args.Images, args.Masks, args.Roi)
	*loss = v
	return err
}

func (s *RPCServer) LoadCheckpoint(path string, ok *bool) error {
	*ok = true
	return s.Impl.LoadCheckpoint(path)
}

func (s *RPCServer) SaveCheckpoint(path string, ok *bool) error {
	*ok = true
	return s.Impl.SaveCheckpoint(path)
}

func (s *RPCServer) Export(dir string, format *string) error {
	v, err := s.Impl.Export(dir)
	*format = v
	return err
}
