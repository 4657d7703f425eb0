package framesource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type V4L2Config struct {
	Width  int
	Height int
	FPS    int
	FFmpeg string
}

func DefaultV4L2Config() V4L2Config {
	return V4L2Config{
		Width:  640,
		Height: 480,
		FPS:    5,
		FFmpeg: "ffmpeg",
	}
}

type v4l2Opener struct {
	cfg V4L2Config
	log zerolog.Logger
}

func NewV4L2Opener(cfg V4L2Config, log zerolog.Logger) Opener {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	return &v4l2Opener{cfg: cfg, log: log}
}

// DevicePath accepts both "video0" and "/dev/video0".
func DevicePath(deviceID string) string {
	if strings.HasPrefix(deviceID, "/") {
		return deviceID
	}
	return "/dev/" + deviceID
}

func (o *v4l2Opener) Open(ctx context.Context, deviceID string) (FrameSource, error) {
	path := DevicePath(deviceID)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", path, ErrDeviceNotFound)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%s: %w", path, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	f.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(streamCtx,
		o.cfg.FFmpeg,
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", o.cfg.Width, o.cfg.Height),
		"-r", strconv.Itoa(o.cfg.FPS),
		"-i", path,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s for %s: %w", o.cfg.FFmpeg, path, err)
	}

	s := &v4l2Source{
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logger := o.log.With().Str("device", path).Logger()

	go func() {
		defer close(s.done)

		err := readJPEGStream(stdout, s.store)
		waitErr := cmd.Wait()

		if streamCtx.Err() != nil {
			return
		}

		if err == nil {
			err = waitErr
		}

		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Device or resource busy") {
			err = ErrDeviceBusy
		}

		s.fail(fmt.Errorf("capture of %s stopped: %w", path, err))
		logger.Error().Err(err).Str("stderr", msg).Msg("capture process exited")
	}()

	return s, nil
}

type v4l2Source struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest []byte
	err    error
	closed bool
}

func (s *v4l2Source) store(frame []byte) {
	s.mu.Lock()
	s.latest = frame
	s.mu.Unlock()
}

func (s *v4l2Source) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *v4l2Source) Capture(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	frame, err, closed := s.latest, s.err, s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, ErrNotReady
	}

	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame from %s: %w", s.path, err)
	}

	return img, nil
}

func (s *v4l2Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// readJPEGStream splits a concatenated MJPEG stream into frames and hands each
// complete frame to emit. It returns nil on EOF.
func readJPEGStream(r io.Reader, emit func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 32*1024)

	var pending []byte

	for {
		n, err := br.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)

			var frames [][]byte
			frames, pending = splitJPEG(pending)
			for _, f := range frames {
				emit(f)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func splitJPEG(data []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			return frames, nil
		}

		end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
		if end == -1 {
			return frames, data[start:]
		}

		end += start + len(jpegSOI) + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)

		data = data[end:]
	}
}
