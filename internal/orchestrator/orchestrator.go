// Package orchestrator manages the two display slots: it resolves pipeline
// selections into specs, enforces the mutual-exclusion rules between
// single- and dual-output pipelines, and owns the per-slot supervisors.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vision-orchestrator/internal/pipeline"
	"vision-orchestrator/internal/sched"
	"vision-orchestrator/internal/supervisor"
)

// DefaultSettleDelay absorbs the display server's release latency between
// tearing a pipeline down and starting its successor on the same surface.
const DefaultSettleDelay = 500 * time.Millisecond

// Listener receives orchestrator events. Callbacks run on orchestrator or
// supervisor goroutines after internal locks are released; implementations
// may call back into the orchestrator.
type Listener interface {
	// SelectionChanged reports the pipeline now occupying a slot; an empty
	// id means the slot was cleared. A dual selection reports both slots.
	SelectionChanged(slot pipeline.Slot, id pipeline.ID)

	// PipelineFailed reports a terminal pipeline condition for a slot. The
	// slot is already cleared when this fires.
	PipelineFailed(slot pipeline.Slot, message string)
}

// Config carries the orchestrator's fixed session configuration. Geometry
// is captured once and treated as immutable for the life of the process.
type Config struct {
	GeometryA pipeline.Rect
	GeometryB pipeline.Rect

	// SettleDelay overrides DefaultSettleDelay; negative disables it.
	SettleDelay time.Duration

	// Supervisor tunes every supervisor the orchestrator creates.
	Supervisor supervisor.Options
}

// Orchestrator owns zero, one, or two supervisors. Selections on the same
// slot are serialized; selections on different slots run concurrently
// except during dual-output transitions, which hold both slots.
type Orchestrator struct {
	registry *pipeline.Registry
	runner   supervisor.Runner
	sched    *sched.Scheduler
	log      *slog.Logger
	cfg      Config
	devices  []string
	settle   time.Duration

	// selMu serializes selection work per slot; dual transitions take
	// both, always in A, B order.
	selMu [2]sync.Mutex

	// mu guards the slot tables below.
	mu    sync.Mutex
	slots [2]*supervisor.Supervisor
	ids   [2]pipeline.ID

	listenerMu sync.Mutex
	listener   Listener
}

// New builds an orchestrator. Capture devices are enumerated once, at
// construction; slot A maps to the first device, slot B to the second.
func New(reg *pipeline.Registry, runner supervisor.Runner, scheduler *sched.Scheduler, devices DeviceProvider, log *slog.Logger, cfg Config) *Orchestrator {
	settle := cfg.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	} else if settle < 0 {
		settle = 0
	}

	devs, err := devices.Devices()
	if err != nil {
		log.Warn("capture device scan failed", slog.String("error", err.Error()))
	}
	for i, d := range devs {
		log.Info("capture device", slog.Int("index", i), slog.String("path", d))
	}

	return &Orchestrator{
		registry: reg,
		runner:   runner,
		sched:    scheduler,
		log:      log,
		cfg:      cfg,
		devices:  devs,
		settle:   settle,
	}
}

// SetListener registers the presentation-layer listener. May be nil.
func (o *Orchestrator) SetListener(l Listener) {
	o.listenerMu.Lock()
	o.listener = l
	o.listenerMu.Unlock()
}

// Registry exposes the template registry for read-only listing.
func (o *Orchestrator) Registry() *pipeline.Registry { return o.registry }

// SlotStatus describes one slot for status reporting.
type SlotStatus struct {
	Pipeline pipeline.ID `json:"pipeline"`
	State    string      `json:"state"`
	Dual     bool        `json:"dual"`
}

// Status returns a snapshot of both slots.
func (o *Orchestrator) Status() map[string]SlotStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]SlotStatus, 2)
	for _, slot := range []pipeline.Slot{pipeline.SlotA, pipeline.SlotB} {
		st := SlotStatus{State: supervisor.StateStopped.String()}
		if sup := o.slots[slot]; sup != nil {
			st.Pipeline = o.ids[slot]
			st.State = sup.State().String()
			st.Dual = sup.Spec().Dual
		}
		out[slot.String()] = st
	}
	return out
}

// Select replaces the pipeline in a slot. An empty id clears the slot. A
// dual-output id tears down both slots and occupies them as a unit; a
// slot currently covered by a dual pipeline is likewise freed by stopping
// the whole unit. Teardown always fully completes, and a settle delay
// elapses, before the successor starts.
func (o *Orchestrator) Select(slot pipeline.Slot, id pipeline.ID) error {
	if id != "" && !o.registry.Has(id) {
		return fmt.Errorf("%w: %q", pipeline.ErrUnknownTemplate, id)
	}

	changed, err := o.reconfigure(slot, id)
	for _, ev := range changed {
		o.notifySelection(ev.slot, ev.id)
	}
	return err
}

// StopAll clears both slots. Used on shutdown.
func (o *Orchestrator) StopAll() {
	_ = o.Select(pipeline.SlotA, "")
	_ = o.Select(pipeline.SlotB, "")
}

type selectionEvent struct {
	slot pipeline.Slot
	id   pipeline.ID
}

// clearedEvents turns vacated slots into empty-selection announcements.
func clearedEvents(cleared []pipeline.Slot) []selectionEvent {
	var events []selectionEvent
	for _, c := range cleared {
		events = append(events, selectionEvent{c, ""})
	}
	return events
}

// reconfigure performs the locked portion of Select and returns the
// selection changes to announce after the locks are released.
func (o *Orchestrator) reconfigure(slot pipeline.Slot, id pipeline.ID) ([]selectionEvent, error) {
	dual := id != "" && o.registry.IsDual(id)

	// A transition needs both slots when the new pipeline is dual, or when
	// the slot's current occupant is dual (a partial teardown would leave
	// an orphaned half). The occupant can change between the check and the
	// lock, so re-check once the lock is held.
	needBoth := dual || o.occupantIsDual(slot)
	for {
		if needBoth {
			o.selMu[pipeline.SlotA].Lock()
			o.selMu[pipeline.SlotB].Lock()
		} else {
			o.selMu[slot].Lock()
		}
		if !needBoth && o.occupantIsDual(slot) {
			o.selMu[slot].Unlock()
			needBoth = true
			continue
		}
		break
	}
	defer func() {
		if needBoth {
			o.selMu[pipeline.SlotB].Unlock()
			o.selMu[pipeline.SlotA].Unlock()
		} else {
			o.selMu[slot].Unlock()
		}
	}()

	// The occupant may have changed while the locks were contended; a dual
	// occupant that was replaced in the meantime must not drag the other
	// slot's fresh pipeline into this teardown. Decide the teardown scope
	// from what is actually there now, not from the pre-lock observation.
	var cleared []pipeline.Slot
	if dual || o.occupantIsDual(slot) {
		cleared = append(cleared, o.stopOccupant(pipeline.SlotA)...)
		cleared = append(cleared, o.stopOccupant(pipeline.SlotB)...)
	} else {
		cleared = o.stopOccupant(slot)
	}

	if id == "" {
		return clearedEvents(cleared), nil
	}

	if len(cleared) > 0 && o.settle > 0 {
		time.Sleep(o.settle)
	}

	spec, err := o.resolve(slot, id, dual)
	if err != nil {
		return clearedEvents(cleared), err
	}

	sup := supervisor.New(spec, o.runner, o.sched, o.log, o.cfg.Supervisor)
	sup.OnTerminal(func(terr error) { o.onTerminal(slot, sup, terr) })

	// Register before Start so a terminal event racing the return of Start
	// always finds the supervisor owned and clears the slot properly.
	o.mu.Lock()
	o.slots[slot] = sup
	o.ids[slot] = id
	occupied := map[pipeline.Slot]bool{slot: true}
	if dual {
		other := otherSlot(slot)
		o.slots[other] = sup
		o.ids[other] = id
		occupied[other] = true
	}
	o.mu.Unlock()

	if err := sup.Start(); err != nil {
		o.mu.Lock()
		for i := range o.slots {
			if o.slots[i] == sup {
				o.slots[i] = nil
				o.ids[i] = ""
			}
		}
		o.mu.Unlock()
		return clearedEvents(cleared), fmt.Errorf("start %s in slot %s: %w", id, slot, err)
	}

	events := []selectionEvent{{slot, id}}
	if dual {
		events = append(events, selectionEvent{otherSlot(slot), id})
	}
	// A slot freed by the teardown and not re-occupied here is now empty.
	for _, c := range cleared {
		if !occupied[c] {
			events = append(events, selectionEvent{c, ""})
		}
	}

	o.log.Info("selection changed",
		slog.String("slot", slot.String()),
		slog.String("pipeline", string(id)),
		slog.Bool("dual", dual))
	return events, nil
}

// resolve builds the immutable spec for this selection.
func (o *Orchestrator) resolve(slot pipeline.Slot, id pipeline.ID, dual bool) (*pipeline.Spec, error) {
	var dualWindow pipeline.Rect
	if dual {
		dw, err := pipeline.DualWindow(o.cfg.GeometryA, o.cfg.GeometryB)
		if err != nil {
			return nil, err
		}
		dualWindow = dw
	}
	return o.registry.Resolve(id, slot, o.deviceFor(slot), o.windowFor(slot), dualWindow)
}

// stopOccupant tears down the supervisor occupying a slot and returns the
// slots it vacated (both, for a dual occupant). Blocks until teardown
// completes.
func (o *Orchestrator) stopOccupant(slot pipeline.Slot) []pipeline.Slot {
	o.mu.Lock()
	sup := o.slots[slot]
	o.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Stop()

	o.mu.Lock()
	var cleared []pipeline.Slot
	for i := range o.slots {
		if o.slots[i] == sup {
			o.slots[i] = nil
			o.ids[i] = ""
			cleared = append(cleared, pipeline.Slot(i))
		}
	}
	o.mu.Unlock()
	return cleared
}

// onTerminal handles a supervisor-reported fatal condition: the slot (or
// both, for a dual pipeline) is cleared and the listener informed.
func (o *Orchestrator) onTerminal(slot pipeline.Slot, sup *supervisor.Supervisor, err error) {
	o.mu.Lock()
	owned := false
	for i := range o.slots {
		if o.slots[i] == sup {
			o.slots[i] = nil
			o.ids[i] = ""
			owned = true
		}
	}
	o.mu.Unlock()
	if !owned {
		// Already replaced by a newer selection; nothing to report.
		return
	}

	o.log.Error("pipeline failed",
		slog.String("slot", slot.String()),
		slog.String("error", err.Error()))

	o.listenerMu.Lock()
	l := o.listener
	o.listenerMu.Unlock()
	if l != nil {
		l.PipelineFailed(slot, err.Error())
	}
}

func (o *Orchestrator) notifySelection(slot pipeline.Slot, id pipeline.ID) {
	o.listenerMu.Lock()
	l := o.listener
	o.listenerMu.Unlock()
	if l != nil {
		l.SelectionChanged(slot, id)
	}
}

func (o *Orchestrator) occupantIsDual(slot pipeline.Slot) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	sup := o.slots[slot]
	return sup != nil && sup.Spec().Dual
}

func (o *Orchestrator) windowFor(slot pipeline.Slot) pipeline.Rect {
	if slot == pipeline.SlotB {
		return o.cfg.GeometryB
	}
	return o.cfg.GeometryA
}

func (o *Orchestrator) deviceFor(slot pipeline.Slot) string {
	if int(slot) < len(o.devices) {
		return o.devices[slot]
	}
	return ""
}

func otherSlot(s pipeline.Slot) pipeline.Slot {
	if s == pipeline.SlotA {
		return pipeline.SlotB
	}
	return pipeline.SlotA
}
