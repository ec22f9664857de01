package telemetry

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Channel names one telemetry series.
type Channel string

const (
	ChannelCPULoad Channel = "cpu_load"
	ChannelGPULoad Channel = "gpu_load"
	ChannelMemLoad Channel = "mem_load"
	ChannelCPUTemp Channel = "cpu_temp"
	ChannelGPUTemp Channel = "gpu_temp"
	ChannelMemTemp Channel = "mem_temp"
)

// Channels lists every series the sampler maintains.
var Channels = []Channel{
	ChannelCPULoad, ChannelGPULoad, ChannelMemLoad,
	ChannelCPUTemp, ChannelGPUTemp, ChannelMemTemp,
}

// ValidChannel reports whether ch names a maintained series.
func ValidChannel(ch Channel) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// The profiler emits colorized terminal output; markers are matched after
// stripping 8-bit ANSI escape sequences.
var ansiEscape = regexp.MustCompile(`(?:\x1b[@-Z\\-_]|[\x80-\x9a\x9c-\x9f]|(?:\x1b\[|\x9b)[0-?]*[ -/]*[@-~])`)

var loadMarkers = []struct {
	channel Channel
	re      *regexp.Regexp
}{
	{ChannelCPULoad, regexp.MustCompile(`CPU Total Load:(.*)%`)},
	{ChannelGPULoad, regexp.MustCompile(`GPU Utilization:(.*)%`)},
	{ChannelMemLoad, regexp.MustCompile(`Memory Usage %:(.*)%`)},
}

// ParseLoadLine strips terminal escapes from one profiler output line and
// returns the utilization reading it carries, if any.
func ParseLoadLine(line string) (Channel, float64, bool) {
	clean := ansiEscape.ReplaceAllString(line, "")
	for _, m := range loadMarkers {
		match := m.re.FindStringSubmatch(clean)
		if match == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(match[1]), 64)
		if err != nil {
			// Malformed reading contributes nothing this cycle.
			return m.channel, 0, false
		}
		return m.channel, v, true
	}
	return "", 0, false
}

// loadReader owns the external profiling process and feeds parsed readings
// to the sampler. When the profiler's output stream ends it clears the
// profiler's stale result artifacts and respawns on the next cycle.
type loadReader struct {
	command      []string
	artifactsDir string
	respawnDelay time.Duration
	log          *slog.Logger
	report       func(Channel, float64)
}

func (lr *loadReader) run(ctx context.Context) {
	for ctx.Err() == nil {
		lr.runOnce(ctx)
		lr.clearArtifacts()

		select {
		case <-ctx.Done():
			return
		case <-time.After(lr.respawnDelay):
		}
	}
}

func (lr *loadReader) runOnce(ctx context.Context) {
	cmd := exec.CommandContext(ctx, lr.command[0], lr.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		lr.log.Warn("profiler pipe", slog.String("error", err.Error()))
		return
	}
	if err := cmd.Start(); err != nil {
		lr.log.Warn("profiler start", slog.String("error", err.Error()))
		return
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if ch, v, ok := ParseLoadLine(sc.Text()); ok {
			lr.report(ch, v)
		}
	}
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		lr.log.Warn("profiler exited", slog.String("error", err.Error()))
	}
}

// clearArtifacts removes the profiler's accumulated result files so a
// respawned profiler starts from a clean output directory.
func (lr *loadReader) clearArtifacts() {
	if lr.artifactsDir == "" {
		return
	}
	entries, err := os.ReadDir(lr.artifactsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(lr.artifactsDir, e.Name()))
	}
}
