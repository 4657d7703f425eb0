package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/tracing"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("camera-threat-monitor/detection")

var ErrUnexpectedStatus = fmt.Errorf("unexpected response status")
var ErrMalformedResponse = fmt.Errorf("malformed detection response")

const DefaultJPEGQuality = 80

//go:generate moq -rm -out client_mock.go . Client
type Client interface {
	Detect(ctx context.Context, frame image.Image) (types.Observation, error)
	Health(ctx context.Context) (Health, error)
}

type Health struct {
	Status      string    `json:"status"`
	ModelLoaded bool      `json:"model_loaded"`
	Device      string    `json:"device"`
	Timestamp   time.Time `json:"-"`
}

type client struct {
	url        string
	quality    int
	httpClient http.Client
}

type Option func(*client)

func WithJPEGQuality(q int) Option {
	return func(c *client) {
		if q > 0 && q <= 100 {
			c.quality = q
		}
	}
}

// New returns a client for the detection service at baseURL. Each call is a
// single round trip, there are no retries.
func New(baseURL string, opts ...Option) Client {
	c := &client{
		url:     strings.TrimSuffix(baseURL, "/"),
		quality: DefaultJPEGQuality,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	ProcessedImage string         `json:"processed_image"`
	Threats        []types.Threat `json:"threats"`
	Timestamp      float64        `json:"timestamp"`
}

func (c *client) Detect(ctx context.Context, frame image.Image) (types.Observation, error) {
	var err error
	ctx, span := tracer.Start(ctx, "detect-threats")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetLoggerFromContext(ctx)

	encoded, err := EncodeFrame(frame, c.quality)
	if err != nil {
		return types.Observation{}, err
	}

	body, err := json.Marshal(detectRequest{Image: encoded})
	if err != nil {
		return types.Observation{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/detect", bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("failed to create http request: %w", err)
		return types.Observation{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to submit frame: %w", err)
		return types.Observation{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %w", err)
		return types.Observation{}, err
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		return types.Observation{}, err
	}

	obs, err := decodeObservation(respBody)
	if err != nil {
		return types.Observation{}, err
	}

	span.SetAttributes(attribute.Int("threats", len(obs.Threats)))
	log.Debug().Int("threats", len(obs.Threats)).Msg("frame processed")

	return obs, nil
}

func decodeObservation(b []byte) (types.Observation, error) {
	dr := detectResponse{}
	if err := json.Unmarshal(b, &dr); err != nil {
		return types.Observation{}, fmt.Errorf("%w: %s", ErrMalformedResponse, err.Error())
	}

	for _, t := range dr.Threats {
		if math.IsNaN(t.Confidence) || t.Confidence < 0 || t.Confidence > 1 {
			return types.Observation{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, t.Confidence)
		}
	}

	obs := types.Observation{
		Threats:   dr.Threats,
		Timestamp: time.Now().UTC(),
	}

	if dr.Timestamp > 0 {
		sec, frac := math.Modf(dr.Timestamp)
		obs.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	if dr.ProcessedImage != "" {
		img, err := base64.StdEncoding.DecodeString(trimDataURL(dr.ProcessedImage))
		if err != nil {
			return types.Observation{}, fmt.Errorf("%w: processed image: %s", ErrMalformedResponse, err.Error())
		}
		obs.ProcessedImage = img
	}

	return obs, nil
}

func (c *client) Health(ctx context.Context) (Health, error) {
	var err error
	ctx, span := tracer.Start(ctx, "detection-health")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/api/health", nil)
	if err != nil {
		return Health{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to reach detection service: %w", err)
		return Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		return Health{}, err
	}

	h := struct {
		Health
		Timestamp float64 `json:"timestamp"`
	}{}

	if err = json.NewDecoder(resp.Body).Decode(&h); err != nil {
		err = fmt.Errorf("%w: %s", ErrMalformedResponse, err.Error())
		return Health{}, err
	}

	h.Health.Timestamp = time.Unix(int64(h.Timestamp), 0).UTC()

	return h.Health, nil
}

// EncodeFrame encodes the frame as a base64 JPEG.
func EncodeFrame(frame image.Image, quality int) (string, error) {
	if frame == nil {
		return "", fmt.Errorf("no frame to encode")
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func trimDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}
