// Package client is a typed http client for the segmentation backend api.
// It mirrors the routes under /api/v1 one method per endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"seg-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// StatusError is a non-2xx response from the backend. Body carries the
// server's plain-text reason.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

type Client struct {
	http *resty.Client
}

// New creates a client for a backend at baseURL, e.g.
// "http://localhost:8000/api/v1".
func New(baseURL string) *Client {
	return &Client{http: resty.New().SetBaseURL(baseURL)}
}

// do executes the request and decodes a json response into out when out is
// non-nil. Non-2xx responses become StatusError.
func (c *Client) do(req *resty.Request, method, path string, out any) error {
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("error calling %s %s: %w", method, path, err)
	}

	if !res.IsSuccess() {
		return &StatusError{Code: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}

	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return fmt.Errorf("error parsing %s response: %w", path, err)
		}
	}

	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(c.http.R().SetContext(ctx), http.MethodGet, "/health", nil)
}

func (c *Client) Info(ctx context.Context) (api.ServiceInfo, error) {
	var info api.ServiceInfo
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/info", &info)
	return info, err
}

func (c *Client) ListImages(ctx context.Context) ([]api.InboxImage, error) {
	var res api.ListImagesResponse
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/images", &res)
	return res.Images, err
}

// NextImage picks the next image to annotate. An empty strategy uses the
// server default (random).
func (c *Client) NextImage(ctx context.Context, strategy string) (api.NextImageResponse, error) {
	req := c.http.R().SetContext(ctx)
	if strategy != "" {
		req.SetQueryParam("strategy", strategy)
	}

	var res api.NextImageResponse
	err := c.do(req, http.MethodGet, "/images/next", &res)
	return res, err
}

func (c *Client) DownloadImage(ctx context.Context, imageId string) ([]byte, error) {
	res, err := c.http.R().SetContext(ctx).Get("/images/" + imageId + "/download")
	if err != nil {
		return nil, fmt.Errorf("error downloading image %s: %w", imageId, err)
	}
	if !res.IsSuccess() {
		return nil, &StatusError{Code: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	return res.Body(), nil
}

// Infer runs the model ensemble on an image and returns the predicted
// vessel mask as a png.
func (c *Client) Infer(ctx context.Context, imageId string) ([]byte, error) {
	res, err := c.http.R().SetContext(ctx).Post("/images/" + imageId + "/infer")
	if err != nil {
		return nil, fmt.Errorf("error running inference on %s: %w", imageId, err)
	}
	if !res.IsSuccess() {
		return nil, &StatusError{Code: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	return res.Body(), nil
}

func (c *Client) SaveAnnotation(ctx context.Context, imageId string, mask []byte) (api.SaveAnnotationResponse, error) {
	req := c.http.R().
		SetContext(ctx).
		SetFileReader("file", imageId, bytes.NewReader(mask))

	var res api.SaveAnnotationResponse
	err := c.do(req, http.MethodPut, "/images/"+imageId+"/annotation", &res)
	return res, err
}

func (c *Client) GetAnnotation(ctx context.Context, imageId string) ([]byte, error) {
	res, err := c.http.R().SetContext(ctx).Get("/images/" + imageId + "/annotation")
	if err != nil {
		return nil, fmt.Errorf("error fetching annotation %s: %w", imageId, err)
	}
	if !res.IsSuccess() {
		return nil, &StatusError{Code: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	return res.Body(), nil
}

// StartTraining queues a training run. maxEpochs <= 0 uses the server's
// configured default.
func (c *Client) StartTraining(ctx context.Context, maxEpochs int) (api.TrainStartedResponse, error) {
	req := c.http.R().SetContext(ctx)
	if maxEpochs > 0 {
		req.SetQueryParam("max_epochs", strconv.Itoa(maxEpochs))
	}

	var res api.TrainStartedResponse
	err := c.do(req, http.MethodPost, "/train", &res)
	return res, err
}

func (c *Client) CancelTraining(ctx context.Context) (api.CancelTrainingResponse, error) {
	var res api.CancelTrainingResponse
	err := c.do(c.http.R().SetContext(ctx), http.MethodPost, "/train/cancel", &res)
	return res, err
}

func (c *Client) TrainingStatus(ctx context.Context) (api.TrainingStatus, error) {
	var res api.TrainingStatus
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/train/status", &res)
	return res, err
}

func (c *Client) ListVersions(ctx context.Context) ([]api.VersionSummary, error) {
	var res api.ListVersionsResponse
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/models/versions", &res)
	return res.Versions, err
}

func (c *Client) GetVersion(ctx context.Context, version string) (api.TrainingLog, error) {
	var res api.TrainingLog
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/models/versions/"+version, &res)
	return res, err
}

func (c *Client) RestoreVersion(ctx context.Context, version string) (api.RestoreVersionResponse, error) {
	var res api.RestoreVersionResponse
	err := c.do(c.http.R().SetContext(ctx), http.MethodPost, "/models/versions/"+version+"/restore", &res)
	return res, err
}

func (c *Client) StartExport(ctx context.Context) (api.StartExportResponse, error) {
	var res api.StartExportResponse
	err := c.do(c.http.R().SetContext(ctx), http.MethodPost, "/models/export", &res)
	return res, err
}

func (c *Client) ListExportJobs(ctx context.Context) ([]api.ExportJob, error) {
	var res []api.ExportJob
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/models/export", &res)
	return res, err
}

func (c *Client) GetExportJob(ctx context.Context, jobId uuid.UUID) (api.ExportJob, error) {
	var res api.ExportJob
	err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/models/export/"+jobId.String(), &res)
	return res, err
}

// DownloadLatestModel fetches the newest completed export bundle (a zip).
func (c *Client) DownloadLatestModel(ctx context.Context) ([]byte, error) {
	res, err := c.http.R().SetContext(ctx).Get("/models/latest")
	if err != nil {
		return nil, fmt.Errorf("error downloading model bundle: %w", err)
	}
	if !res.IsSuccess() {
		return nil, &StatusError{Code: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	return res.Body(), nil
}
