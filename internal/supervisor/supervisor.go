// Package supervisor owns the per-stream watchdog state machine: it spawns
// a pipeline process, watches its liveness signal, transparently restarts it
// when the signal goes stale, and tears it down through an ordered shutdown
// on stop.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vision-orchestrator/internal/pipeline"
	"vision-orchestrator/internal/sched"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// ErrWatchdogExhausted is reported to the owner when repeated restarts never
// produce a single liveness signal.
var ErrWatchdogExhausted = errors.New("pipeline kept restarting without producing output")

// Options tunes the watchdog. Zero values take the defaults below, which
// match the platform's observed pipeline behavior.
type Options struct {
	// CheckPeriod is how often the staleness check runs on the shared
	// scheduler. Default 250ms.
	CheckPeriod time.Duration

	// StaleAfter is how long without a liveness signal counts as stalled.
	// Only applies once at least one signal has been seen for the current
	// incarnation. Default 1.5s.
	StaleAfter time.Duration

	// ShutdownTimeout bounds the ordered teardown before escalating to a
	// forceful kill. Default 2s.
	ShutdownTimeout time.Duration

	// MaxSilentRestarts is how many consecutive restarts may fail to
	// produce a first liveness signal before the supervisor gives up and
	// reports a fatal pipeline error. Default 3.
	MaxSilentRestarts int

	// OnRestart and OnDegradedShutdown are optional observability hooks.
	OnRestart          func()
	OnDegradedShutdown func()
}

func (o Options) withDefaults() Options {
	if o.CheckPeriod <= 0 {
		o.CheckPeriod = 250 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 1500 * time.Millisecond
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 2 * time.Second
	}
	if o.MaxSilentRestarts <= 0 {
		o.MaxSilentRestarts = 3
	}
	return o
}

// Supervisor owns one pipeline process. It is safe for concurrent use; all
// lifecycle transitions are serialized on an internal mutex, and the
// staleness check runs as a task on the shared scheduler.
type Supervisor struct {
	spec     *pipeline.Spec
	runner   Runner
	sched    *sched.Scheduler
	log      *slog.Logger
	opts     Options
	terminal func(error)

	mu             sync.Mutex
	state          State
	handle         Handle
	pumpStop       chan struct{}
	lastLive       time.Time // zero until the current incarnation signals
	restartedAt    time.Time // zero unless spawned by a watchdog restart
	silentRestarts int
	task           *sched.Task
	gen            string
}

// New builds a supervisor for spec. It does not spawn anything until Start.
func New(spec *pipeline.Spec, runner Runner, scheduler *sched.Scheduler, log *slog.Logger, opts Options) *Supervisor {
	return &Supervisor{
		spec:   spec,
		runner: runner,
		sched:  scheduler,
		log:    log.With(slog.String("pipeline", string(spec.ID)), slog.String("slot", spec.Slot.String())),
		opts:   opts.withDefaults(),
	}
}

// OnTerminal registers the owner callback invoked (from the supervisor's
// own goroutines, never under the lock) when the pipeline reports a fatal
// error or end of stream, or when restarts are exhausted. Set before Start.
func (s *Supervisor) OnTerminal(fn func(error)) {
	s.mu.Lock()
	s.terminal = fn
	s.mu.Unlock()
}

// Spec returns the immutable spec this supervisor owns.
func (s *Supervisor) Spec() *pipeline.Spec { return s.spec }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the pipeline and arms the watchdog. It is a no-op when the
// supervisor is already starting or running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateRunning, StateRestarting:
		return nil
	}
	return s.spawnLocked()
}

// Stop cancels the watchdog and tears the pipeline down through the ordered
// shutdown sequence. It is idempotent from Stopped and blocks until the
// handle is released.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.state = StateStopping
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
	s.teardownLocked()
	s.silentRestarts = 0
	s.restartedAt = time.Time{}
	s.state = StateStopped
	s.log.Info("pipeline stopped", slog.String("gen", s.gen))
}

// spawnLocked launches a fresh incarnation. Caller holds s.mu.
func (s *Supervisor) spawnLocked() error {
	s.state = StateStarting
	s.gen = uuid.NewString()[:8]
	s.lastLive = time.Time{}

	h, err := s.runner.Spawn(s.spec.Command)
	if err != nil {
		s.state = StateStopped
		return fmt.Errorf("spawn %s: %w", s.spec.ID, err)
	}
	s.handle = h
	s.pumpStop = make(chan struct{})
	go s.pump(h, s.pumpStop)

	if s.task == nil {
		s.task = s.sched.Every(s.opts.CheckPeriod, s.check)
	}
	s.log.Info("pipeline spawned", slog.String("gen", s.gen))
	return nil
}

// pump moves asynchronous liveness and bus events from the handle into the
// supervisor's domain. One pump runs per incarnation; handle identity guards
// against late deliveries after a restart.
func (s *Supervisor) pump(h Handle, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case _, ok := <-h.Liveness():
			if !ok {
				return
			}
			s.markAlive(h)
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			s.onTerminalEvent(h, ev)
			return
		}
	}
}

func (s *Supervisor) markAlive(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return
	}
	s.lastLive = time.Now()
	s.silentRestarts = 0
	if s.state == StateStarting {
		s.state = StateRunning
		s.log.Info("pipeline producing output", slog.String("gen", s.gen))
	}
}

func (s *Supervisor) onTerminalEvent(h Handle, ev Event) {
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.log.Warn("pipeline terminal event",
		slog.String("gen", s.gen),
		slog.String("kind", ev.Kind.String()),
		slog.String("message", ev.Message))

	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
	s.teardownLocked()
	s.state = StateStopped
	fn := s.terminal
	s.mu.Unlock()

	if fn != nil {
		if ev.Kind == EventEndOfStream {
			fn(fmt.Errorf("%s: end of stream", s.spec.ID))
		} else {
			fn(fmt.Errorf("%s: %s", s.spec.ID, ev.Message))
		}
	}
}

// check is the periodic staleness check. It runs on the shared scheduler
// goroutine, interleaved with every other supervisor's checks.
func (s *Supervisor) check() {
	s.mu.Lock()

	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if s.lastLive.IsZero() {
		// Cold start: a pipeline that has never produced a buffer is not
		// stuck, it may still be searching for its source. Only restarted
		// incarnations get a first-signal deadline.
		if s.restartedAt.IsZero() || now.Sub(s.restartedAt) <= s.opts.StaleAfter {
			s.mu.Unlock()
			return
		}
		s.silentRestarts++
		if s.silentRestarts >= s.opts.MaxSilentRestarts {
			s.log.Error("giving up after silent restarts",
				slog.Int("attempts", s.silentRestarts))
			if s.task != nil {
				s.task.Cancel()
				s.task = nil
			}
			s.teardownLocked()
			s.state = StateStopped
			fn := s.terminal
			s.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("%s: %w", s.spec.ID, ErrWatchdogExhausted))
			}
			return
		}
		s.restartLocked("no output since restart")
		s.mu.Unlock()
		return
	}

	if now.Sub(s.lastLive) <= s.opts.StaleAfter {
		s.mu.Unlock()
		return
	}
	s.restartLocked("liveness signal stale")
	s.mu.Unlock()
}

// restartLocked tears the current incarnation down and immediately respawns
// the same spec. Invisible to the owner. Caller holds s.mu.
func (s *Supervisor) restartLocked(reason string) {
	s.state = StateRestarting
	s.log.Warn("watchdog restarting pipeline",
		slog.String("gen", s.gen),
		slog.String("reason", reason))

	s.teardownLocked()
	if s.opts.OnRestart != nil {
		s.opts.OnRestart()
	}
	s.restartedAt = time.Now()
	if err := s.spawnLocked(); err != nil {
		// Respawn failure is terminal; the command that worked before is
		// now rejected outright.
		s.log.Error("respawn failed", slog.String("error", err.Error()))
		if s.task != nil {
			s.task.Cancel()
			s.task = nil
		}
		s.state = StateStopped
		if fn := s.terminal; fn != nil {
			go fn(err)
		}
	}
}

// teardownLocked releases the current handle through the ordered shutdown
// sequence, escalating to a kill when a stage fails or the deadline passes.
// The old handle is fully released before the caller may spawn a successor.
// Caller holds s.mu; blocks at most ShutdownTimeout.
func (s *Supervisor) teardownLocked() {
	h := s.handle
	if h == nil {
		return
	}
	close(s.pumpStop)
	s.handle = nil
	s.lastLive = time.Time{}

	done := make(chan error, 1)
	go func() {
		for _, st := range []Stage{StagePaused, StageReady, StageNull} {
			if err := h.SetStage(st); err != nil {
				done <- fmt.Errorf("set stage %s: %w", st, err)
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err == nil {
			return
		}
		s.log.Warn("ordered shutdown failed, killing pipeline",
			slog.String("gen", s.gen), slog.String("error", err.Error()))
	case <-time.After(s.opts.ShutdownTimeout):
		s.log.Warn("ordered shutdown timed out, killing pipeline",
			slog.String("gen", s.gen))
	}
	h.Kill()
	if s.opts.OnDegradedShutdown != nil {
		s.opts.OnDegradedShutdown()
	}
}
