package framesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// NewReplayOpener serves each device from a directory of still images under
// root, named after the device. Frames are returned in file name order and
// wrap around at the end.
func NewReplayOpener(root string) Opener {
	return OpenerFunc(func(ctx context.Context, deviceID string) (FrameSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := filepath.Join(root, filepath.Base(deviceID))

		files, err := listImages(dir)
		if err != nil {
			return nil, err
		}

		if len(files) == 0 {
			return nil, fmt.Errorf("no images in %s: %w", dir, ErrDeviceNotFound)
		}

		return &replaySource{files: files}, nil
	})
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrDeviceNotFound)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", dir, ErrPermissionDenied)
		}
		return nil, err
	}

	files := []string{}
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}

	sort.Strings(files)

	return files, nil
}

type replaySource struct {
	mu     sync.Mutex
	files  []string
	next   int
	closed bool
}

func (s *replaySource) Capture(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	file := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame %s: %w", file, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", file, err)
	}

	return img, nil
}

func (s *replaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type replayDiscovery struct {
	root string
}

func NewReplayDiscovery(root string) Discovery {
	return &replayDiscovery{root: root}
}

func (d *replayDiscovery) Discover(ctx context.Context) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", d.root, err)
	}

	devices := []DeviceInfo{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		devices = append(devices, DeviceInfo{DeviceID: e.Name(), Name: e.Name()})
	}

	return devices, nil
}
