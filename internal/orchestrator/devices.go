package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
)

// DeviceProvider enumerates the available capture devices in a stable
// order. The orchestrator consumes only "device at index N" or "none".
type DeviceProvider interface {
	Devices() ([]string, error)
}

// DefaultV4LDir is where the kernel publishes stable capture device links.
const DefaultV4LDir = "/dev/v4l/by-id"

// V4LDevices scans a v4l by-id directory for streaming-capable camera
// nodes. Only the first video index of each camera can stream, so entries
// are filtered to those.
type V4LDevices struct {
	Dir string
}

// Devices implements DeviceProvider. A missing directory yields an empty
// list, not an error; no cameras attached is a normal condition.
func (v V4LDevices) Devices() ([]string, error) {
	dir := v.Dir
	if dir == "" {
		dir = DefaultV4LDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "video-index0") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// StaticDevices is a fixed device list, useful for configuration overrides
// and tests.
type StaticDevices []string

func (s StaticDevices) Devices() ([]string, error) { return s, nil }
