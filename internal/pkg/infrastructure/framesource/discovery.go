package framesource

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

type v4l2Discovery struct {
	pattern string
}

func NewV4L2Discovery() Discovery {
	return &v4l2Discovery{pattern: "/dev/video*"}
}

// Discover lists readable V4L2 device nodes in numeric order.
func (d *v4l2Discovery) Discover(ctx context.Context) ([]DeviceInfo, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for devices: %w", err)
	}

	matches = filterVideoDevices(matches)

	devices := []DeviceInfo{}
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			continue
		}
		f.Close()

		name := cardName(ctx, path)
		if name == "" {
			name = "Camera " + strconv.Itoa(deviceNumber(path))
		}

		devices = append(devices, DeviceInfo{DeviceID: path, Name: name})
	}

	return devices, nil
}

func filterVideoDevices(paths []string) []string {
	devices := []string{}
	for _, p := range paths {
		if videoDevicePattern.MatchString(p) {
			devices = append(devices, p)
		}
	}

	sort.Slice(devices, func(i, j int) bool {
		return deviceNumber(devices[i]) < deviceNumber(devices[j])
	})

	return devices
}

func deviceNumber(path string) int {
	m := videoDevicePattern.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func cardName(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--info").Output()
	if err != nil {
		return ""
	}

	return parseCardType(string(out))
}

func parseCardType(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
