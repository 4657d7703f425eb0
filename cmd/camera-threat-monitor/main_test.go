package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/processing"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestHealth(t *testing.T) {
	is, server := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestAssignedCameraReportsThreat(t *testing.T) {
	is, server := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodPut, "/api/v0/cameras/cam1/assignment", strings.NewReader(`{"deviceId":"dev0"}`))
	is.Equal(resp.StatusCode, http.StatusOK)

	state := types.CameraState{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := testRequest(is, server, http.MethodGet, "/api/v0/cameras/cam1", nil)
		response := struct {
			Data types.CameraState `json:"data"`
		}{}
		is.NoErr(json.Unmarshal([]byte(body), &response))
		state = response.Data
		if state.Status == types.StatusHigh {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	is.Equal(state.Status, types.StatusHigh)
	is.Equal(state.DeviceID, "dev0")

	resp, frame := testRequest(is, server, http.MethodGet, "/api/v0/cameras/cam1/frame", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(resp.Header.Get("Content-Type"), "image/jpeg")
	is.True(len(frame) > 0)

	_, devices := testRequest(is, server, http.MethodGet, "/api/v0/devices", nil)
	is.True(strings.Contains(devices, `{"deviceId":"dev0","name":"dev0","inUse":true}`))

	resp, _ = testRequest(is, server, http.MethodDelete, "/api/v0/cameras/cam1/assignment", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/cameras/cam1", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestAssignUnknownDeviceReturns503(t *testing.T) {
	is, server := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodPut, "/api/v0/cameras/cam1/assignment", strings.NewReader(`{"deviceId":"nosuchdevice"}`))
	is.Equal(resp.StatusCode, http.StatusServiceUnavailable)
}

func TestMetricsAreExposed(t *testing.T) {
	is, server := setupTest(t)

	resp, body := testRequest(is, server, http.MethodGet, "/metrics", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "camera_threat_monitor_devices_active"))
}

func TestEmptyConfigPathsUseDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := loadProcessingConfig("")
	is.NoErr(err)
	is.Equal(cfg, processing.DefaultConfig())

	notifications, err := loadNotificationConfig("")
	is.NoErr(err)
	is.True(notifications == nil)
}

func setupTest(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	replay := t.TempDir()
	is.NoErr(os.Mkdir(filepath.Join(replay, "dev0"), 0755))
	is.NoErr(os.WriteFile(filepath.Join(replay, "dev0", "0001.jpg"), testJPEG(is), 0644))

	detector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")

		if r.URL.Path == "/api/health" {
			w.Write([]byte(`{"status":"healthy","model_loaded":true,"device":"cpu","timestamp":1709294400.0}`))
			return
		}

		io.Copy(io.Discard, r.Body)
		b, _ := json.Marshal(map[string]any{
			"processed_image": base64.StdEncoding.EncodeToString(testJPEG(is)),
			"threats":         []map[string]any{{"type": "knife", "confidence": 0.93, "bbox": []float64{1, 2, 3, 4}}},
			"timestamp":       1709294400.0,
		})
		w.Write(b)
	}))

	flags := defaultFlags()
	flags[captureSource] = "replay"
	flags[replayDir] = replay
	flags[detectionURL] = detector.URL
	flags[watchdogInterval] = "1h"

	cfg := processing.DefaultConfig()
	cfg.Cadence = 20 * time.Millisecond
	cfg.Hold = 10 * time.Second

	a, err := newApp(ctx, zerolog.Nop(), flags, cfg, nil, nil)
	is.NoErr(err)

	a.start(ctx)
	server := httptest.NewServer(a.router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		a.stop()
		detector.Close()
	})

	return is, server
}

func testJPEG(is *is.I) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}

	buf := &bytes.Buffer{}
	is.NoErr(jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}
