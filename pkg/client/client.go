package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/camera-threat-monitor/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotFound = fmt.Errorf("not found")
var ErrUnavailable = fmt.Errorf("service unavailable")

//go:generate moq -rm -out client_mock.go . CameraClient
type CameraClient interface {
	Cameras(ctx context.Context) ([]types.CameraState, error)
	Camera(ctx context.Context, cameraID string) (types.CameraState, error)
	Assign(ctx context.Context, cameraID, deviceID string) (types.CameraState, error)
	Unassign(ctx context.Context, cameraID string) error
	Frame(ctx context.Context, cameraID string) ([]byte, error)
	Devices(ctx context.Context) ([]types.Device, error)
}

type cameraClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("camera-threat-monitor-client")

func New(serviceURL string) CameraClient {
	return &cameraClient{
		url: strings.TrimSuffix(serviceURL, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type response[T any] struct {
	Data T `json:"data"`
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (c *cameraClient) Cameras(ctx context.Context) ([]types.CameraState, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-cameras")
	defer func() { endSpan(err, span) }()

	result := response[[]types.CameraState]{}
	err = c.do(ctx, http.MethodGet, "/api/v0/cameras", nil, &result)

	return result.Data, err
}

func (c *cameraClient) Camera(ctx context.Context, cameraID string) (types.CameraState, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-camera")
	defer func() { endSpan(err, span) }()

	result := response[types.CameraState]{}
	err = c.do(ctx, http.MethodGet, "/api/v0/cameras/"+url.PathEscape(cameraID), nil, &result)

	return result.Data, err
}

func (c *cameraClient) Assign(ctx context.Context, cameraID, deviceID string) (types.CameraState, error) {
	var err error
	ctx, span := tracer.Start(ctx, "assign-camera")
	defer func() { endSpan(err, span) }()

	body, err := json.Marshal(struct {
		DeviceID string `json:"deviceId"`
	}{deviceID})
	if err != nil {
		return types.CameraState{}, err
	}

	result := response[types.CameraState]{}
	err = c.do(ctx, http.MethodPut, "/api/v0/cameras/"+url.PathEscape(cameraID)+"/assignment", body, &result)

	return result.Data, err
}

func (c *cameraClient) Unassign(ctx context.Context, cameraID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "unassign-camera")
	defer func() { endSpan(err, span) }()

	err = c.do(ctx, http.MethodDelete, "/api/v0/cameras/"+url.PathEscape(cameraID)+"/assignment", nil, nil)
	return err
}

func (c *cameraClient) Frame(ctx context.Context, cameraID string) ([]byte, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-frame")
	defer func() { endSpan(err, span) }()

	var frame []byte
	err = c.do(ctx, http.MethodGet, "/api/v0/cameras/"+url.PathEscape(cameraID)+"/frame", nil, &frame)

	return frame, err
}

func (c *cameraClient) Devices(ctx context.Context) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { endSpan(err, span) }()

	result := response[[]types.Device]{}
	err = c.do(ctx, http.MethodGet, "/api/v0/devices", nil, &result)

	return result.Data, err
}

// do sends the request and decodes a JSON response into out. If out is a
// *[]byte the raw body is stored instead.
func (c *cameraClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, respBody)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if raw, ok := out.(*[]byte); ok {
		*raw = respBody
		return nil
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

func statusError(code int, body []byte) error {
	p := problem{}
	detail := ""
	if json.Unmarshal(body, &p) == nil {
		detail = p.Detail
	}

	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	}

	return fmt.Errorf("request failed with status code %d: %s", code, detail)
}

func endSpan(err error, span trace.Span) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
