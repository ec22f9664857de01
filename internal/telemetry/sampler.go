// Package telemetry collects hardware utilization and temperature readings
// from an external profiling process and the platform's thermal sensors,
// keeping a fixed-capacity sample history per channel.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/sensors"

	"vision-orchestrator/internal/sched"
)

const (
	// DefaultCapacity holds 15 minutes of history at the temperature
	// cadence, matching the original display buffer depth.
	DefaultCapacity = 1800

	// DefaultTempPeriod is how often the thermal sensors are polled.
	DefaultTempPeriod = 2 * time.Second

	// smoothingWindow is how many recent samples Snapshot averages over.
	smoothingWindow = 8

	defaultRespawnDelay = time.Second
)

// DefaultLoadCommand is the platform profiler invocation whose live text
// stream carries the utilization markers.
var DefaultLoadCommand = []string{
	"qprof",
	"--profile",
	"--profile-type", "async",
	"--result-format", "CSV",
	"--capabilities-list", "profiler:apps-proc-cpu-metrics", "profiler:proc-gpu-specific-metrics", "profiler:apps-proc-mem-metrics",
	"--profile-time", "10",
	"--sampling-rate", "50",
	"--streaming-rate", "500",
	"--live",
	"--metric-id-list", "4648", "4616", "4865",
}

// DefaultArtifactsDir is where the profiler accumulates result files that
// must be cleared between runs.
const DefaultArtifactsDir = "/data/shared/QualcommProfiler/profilingresults"

// Config tunes the sampler. Zero values take the defaults above.
type Config struct {
	Capacity     int
	LoadCommand  []string
	ArtifactsDir string
	TempPeriod   time.Duration

	// OnUpdate, when set, is invoked for every recorded reading. Called
	// from sampler goroutines; keep it fast.
	OnUpdate func(Channel, float64)
}

// Sampler runs the load and temperature readers and exposes smoothed
// readings. Safe for concurrent use.
type Sampler struct {
	cfg   Config
	sched *sched.Scheduler
	log   *slog.Logger

	mu    sync.Mutex
	rings map[Channel]*Ring

	cancel   context.CancelFunc
	loadDone chan struct{}
	tempTask *sched.Task
}

// NewSampler builds a sampler; readers start on Start.
func NewSampler(scheduler *sched.Scheduler, log *slog.Logger, cfg Config) *Sampler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if len(cfg.LoadCommand) == 0 {
		cfg.LoadCommand = DefaultLoadCommand
	}
	if cfg.TempPeriod <= 0 {
		cfg.TempPeriod = DefaultTempPeriod
	}

	rings := make(map[Channel]*Ring, len(Channels))
	for _, ch := range Channels {
		rings[ch] = NewRing(cfg.Capacity)
	}
	return &Sampler{cfg: cfg, sched: scheduler, log: log, rings: rings}
}

// Start launches the profiler reader goroutine and registers the thermal
// poll on the shared scheduler.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loadDone = make(chan struct{})

	lr := &loadReader{
		command:      s.cfg.LoadCommand,
		artifactsDir: s.cfg.ArtifactsDir,
		respawnDelay: defaultRespawnDelay,
		log:          s.log,
		report:       s.Record,
	}
	go func() {
		defer close(s.loadDone)
		lr.run(ctx)
	}()

	tr := &tempReader{sense: sensors.SensorsTemperatures, log: s.log, report: s.Record}
	s.tempTask = s.sched.Every(s.cfg.TempPeriod, tr.readOnce)
}

// Stop cancels both readers and waits for the profiler process to be
// reaped.
func (s *Sampler) Stop() {
	if s.tempTask != nil {
		s.tempTask.Cancel()
		s.tempTask = nil
	}
	if s.cancel != nil {
		s.cancel()
		<-s.loadDone
		s.cancel = nil
	}
}

// Record pushes one reading into its channel's ring.
func (s *Sampler) Record(ch Channel, v float64) {
	s.mu.Lock()
	ring, ok := s.rings[ch]
	if ok {
		ring.Push(v)
	}
	s.mu.Unlock()

	if ok && s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(ch, v)
	}
}

// Snapshot returns the smoothed current reading per channel: the average of
// the most recent samples, zero for channels with no data yet.
func (s *Sampler) Snapshot() map[Channel]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Channel]float64, len(s.rings))
	for ch, ring := range s.rings {
		out[ch] = ring.Tail(smoothingWindow)
	}
	return out
}

// History returns the stored samples for one channel, oldest first.
func (s *Sampler) History(ch Channel) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[ch]
	if !ok {
		return nil
	}
	return ring.Values()
}
