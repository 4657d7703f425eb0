package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestCamerasList(t *testing.T) {
	is, server := setupTest(t)

	out, err := run(server, "cameras", "list")
	is.NoErr(err)
	is.True(strings.Contains(out, "CAMERA"))
	is.True(strings.Contains(out, "entrance"))
	is.True(strings.Contains(out, "HIGH"))
}

func TestCamerasListAsJSON(t *testing.T) {
	is, server := setupTest(t)

	out, err := run(server, "cameras", "list", "--json")
	is.NoErr(err)
	is.True(strings.Contains(out, `"cameraId": "entrance"`))
	is.True(strings.Contains(out, `"status": "HIGH"`))
}

func TestCamerasAssign(t *testing.T) {
	is, server := setupTest(t)

	out, err := run(server, "cameras", "assign", "entrance", "--device", "/dev/video0")
	is.NoErr(err)
	is.Equal(out, "Camera entrance assigned to /dev/video0.\n")
}

func TestCamerasGetUnknownCameraFails(t *testing.T) {
	is, server := setupTest(t)

	_, err := run(server, "cameras", "get", "lobby")
	is.True(err != nil)
}

func TestCamerasFrame(t *testing.T) {
	is, server := setupTest(t)

	name := filepath.Join(t.TempDir(), "frame.jpg")

	_, err := run(server, "cameras", "frame", "entrance", "--output", name)
	is.NoErr(err)

	b, err := os.ReadFile(name)
	is.NoErr(err)
	is.Equal(string(b), "jpegbytes")
}

func TestDevicesList(t *testing.T) {
	is, server := setupTest(t)

	out, err := run(server, "devices", "list")
	is.NoErr(err)
	is.True(strings.Contains(out, "/dev/video0"))
	is.True(strings.Contains(out, "true"))
}

func run(server *httptest.Server, args ...string) (string, error) {
	jsonOutput = false
	outputFile = ""

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--url", server.URL))

	err := rootCmd.Execute()
	return buf.String(), err
}

func setupTest(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)

	state := `{"cameraId":"entrance","deviceId":"/dev/video0","status":"HIGH","updatedAt":"2024-03-01T12:00:00Z"}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v0/cameras":
			w.Header().Add("Content-Type", "application/json")
			w.Write([]byte(`{"data":[` + state + `]}`))
		case r.URL.Path == "/api/v0/cameras/entrance" || r.URL.Path == "/api/v0/cameras/entrance/assignment":
			w.Header().Add("Content-Type", "application/json")
			w.Write([]byte(`{"data":` + state + `}`))
		case r.URL.Path == "/api/v0/cameras/entrance/frame":
			w.Header().Add("Content-Type", "image/jpeg")
			w.Write([]byte("jpegbytes"))
		case r.URL.Path == "/api/v0/devices":
			w.Header().Add("Content-Type", "application/json")
			w.Write([]byte(`{"data":[{"deviceId":"/dev/video0","inUse":true}]}`))
		default:
			w.Header().Add("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"title":"Not Found","status":404}`))
		}
	}))
	t.Cleanup(server.Close)

	return is, server
}
