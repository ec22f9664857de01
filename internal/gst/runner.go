// Package gst is the production pipeline runner: it parse-launches resolved
// commands with GStreamer, taps the named watchdog identity for per-buffer
// liveness, and watches the pipeline bus for terminal events. This is the
// only cgo touchpoint in the module.
package gst

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"vision-orchestrator/internal/supervisor"
)

// busPollInterval keeps bus watching responsive to shutdown without
// spinning.
const busPollInterval = 100 * time.Millisecond

var initOnce sync.Once

// Runner spawns GStreamer pipelines from parse-launch command strings.
type Runner struct {
	log *slog.Logger
}

// NewRunner returns a Runner. GStreamer itself is initialized lazily on the
// first Spawn.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Spawn implements supervisor.Runner. The command must be a valid
// parse-launch description; resolution guarantees it contains an identity
// element named "watchdog" whose handoff signal drives liveness.
func (r *Runner) Spawn(command string) (supervisor.Handle, error) {
	initOnce.Do(func() { gst.Init(nil) })

	p, err := gst.NewPipelineFromString(command)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}

	h := &handle{
		pipeline: p,
		log:      r.log,
		live:     make(chan struct{}, 1),
		events:   make(chan supervisor.Event, 1),
		stop:     make(chan struct{}),
	}

	if ident, err := p.GetElementByName("watchdog"); err == nil && ident != nil {
		ident.Connect("handoff", func(_ *gst.Element, _ *gst.Buffer) {
			h.signal()
		})
	} else {
		r.log.Warn("pipeline has no watchdog identity, liveness unavailable")
	}

	if err := p.SetState(gst.StatePlaying); err != nil {
		p.SetState(gst.StateNull)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	go h.watchBus()
	return h, nil
}

// handle owns one live GStreamer pipeline.
type handle struct {
	pipeline *gst.Pipeline
	log      *slog.Logger

	live   chan struct{}
	events chan supervisor.Event

	stop     chan struct{}
	stopOnce sync.Once
	released atomic.Bool
}

func (h *handle) Liveness() <-chan struct{}       { return h.live }
func (h *handle) Events() <-chan supervisor.Event { return h.events }

// signal coalesces buffer handoffs into the liveness channel.
func (h *handle) signal() {
	if h.released.Load() {
		return
	}
	select {
	case h.live <- struct{}{}:
	default:
	}
}

// SetStage implements supervisor.Handle. StageNull releases the pipeline.
func (h *handle) SetStage(st supervisor.Stage) error {
	var target gst.State
	switch st {
	case supervisor.StagePaused:
		target = gst.StatePaused
	case supervisor.StageReady:
		target = gst.StateReady
	case supervisor.StageNull:
		target = gst.StateNull
	default:
		return fmt.Errorf("unknown stage %v", st)
	}

	if st == supervisor.StageNull {
		h.release()
	}
	if err := h.pipeline.SetState(target); err != nil {
		return fmt.Errorf("set state %s: %w", st, err)
	}
	return nil
}

// Kill forcefully drops the pipeline to NULL, ignoring errors.
func (h *handle) Kill() {
	h.release()
	_ = h.pipeline.SetState(gst.StateNull)
}

func (h *handle) release() {
	h.released.Store(true)
	h.stopOnce.Do(func() { close(h.stop) })
}

// watchBus surfaces error and end-of-stream bus messages as terminal
// events. It exits when the handle is released or a terminal message is
// seen.
func (h *handle) watchBus() {
	bus := h.pipeline.GetPipelineBus()
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			h.deliver(supervisor.Event{Kind: supervisor.EventEndOfStream})
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			h.log.Debug("pipeline bus error",
				slog.String("error", gerr.Error()),
				slog.String("debug", gerr.DebugString()))
			h.deliver(supervisor.Event{Kind: supervisor.EventError, Message: gerr.Error()})
			return
		}
	}
}

func (h *handle) deliver(ev supervisor.Event) {
	if h.released.Load() {
		return
	}
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}
