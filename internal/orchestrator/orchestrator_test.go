package orchestrator

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vision-orchestrator/internal/pipeline"
	"vision-orchestrator/internal/sched"
	"vision-orchestrator/internal/supervisor"
)

type fakeHandle struct {
	r      *fakeRunner
	live   chan struct{}
	events chan supervisor.Event

	mu       sync.Mutex
	stages   []supervisor.Stage
	released bool
}

func (h *fakeHandle) Liveness() <-chan struct{}       { return h.live }
func (h *fakeHandle) Events() <-chan supervisor.Event { return h.events }

func (h *fakeHandle) SetStage(st supervisor.Stage) error {
	h.mu.Lock()
	h.stages = append(h.stages, st)
	h.mu.Unlock()
	if st == supervisor.StageNull {
		h.r.release(h)
	}
	return nil
}

func (h *fakeHandle) Kill() { h.r.release(h) }

func (h *fakeHandle) beat() {
	select {
	case h.live <- struct{}{}:
	default:
	}
}

func (h *fakeHandle) terminate(ev supervisor.Event) { h.events <- ev }

type fakeRunner struct {
	mu      sync.Mutex
	seq     []string
	handles []*fakeHandle
	liveNow int
	liveMax int

	spawnErr        error
	terminalOnSpawn bool
}

func (r *fakeRunner) Spawn(command string) (supervisor.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	h := &fakeHandle{
		r:      r,
		live:   make(chan struct{}, 1),
		events: make(chan supervisor.Event, 1),
	}
	if r.terminalOnSpawn {
		h.events <- supervisor.Event{Kind: supervisor.EventError, Message: "could not negotiate format"}
	}
	r.handles = append(r.handles, h)
	r.liveNow++
	if r.liveNow > r.liveMax {
		r.liveMax = r.liveNow
	}
	r.seq = append(r.seq, "spawn")
	return h, nil
}

func (r *fakeRunner) release(h *fakeHandle) {
	h.mu.Lock()
	already := h.released
	h.released = true
	h.mu.Unlock()
	if already {
		return
	}
	r.mu.Lock()
	r.liveNow--
	r.seq = append(r.seq, "release")
	r.mu.Unlock()
}

func (r *fakeRunner) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seq...)
}

func (r *fakeRunner) spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

func (r *fakeRunner) maxLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveMax
}

type recordingListener struct {
	mu         sync.Mutex
	selections []selectionEvent
	failures   []string
}

func (l *recordingListener) SelectionChanged(slot pipeline.Slot, id pipeline.ID) {
	l.mu.Lock()
	l.selections = append(l.selections, selectionEvent{slot, id})
	l.mu.Unlock()
}

func (l *recordingListener) PipelineFailed(slot pipeline.Slot, message string) {
	l.mu.Lock()
	l.failures = append(l.failures, slot.String()+": "+message)
	l.mu.Unlock()
}

func (l *recordingListener) failureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}

var (
	testGeoA = pipeline.Rect{X: 0, Y: 17, W: 960, H: 720}
	testGeoB = pipeline.Rect{X: 960, Y: 17, W: 960, H: 720}
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeRunner, *sched.Scheduler) {
	t.Helper()
	return newTestOrchestratorGeo(t, testGeoB)
}

func newTestOrchestratorGeo(t *testing.T, geoB pipeline.Rect) (*Orchestrator, *fakeRunner, *sched.Scheduler) {
	t.Helper()
	r := &fakeRunner{}
	s := sched.New(5 * time.Millisecond)
	t.Cleanup(s.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := New(pipeline.DefaultRegistry(), r, s, StaticDevices{"/dev/cam0", "/dev/cam1"}, log, Config{
		GeometryA:   testGeoA,
		GeometryB:   geoB,
		SettleDelay: -1,
		Supervisor: supervisor.Options{
			CheckPeriod:     10 * time.Millisecond,
			StaleAfter:      40 * time.Millisecond,
			ShutdownTimeout: 200 * time.Millisecond,
		},
	})
	return o, r, s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSelect_occupies_empty_slot(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if r.spawned() != 1 {
		t.Fatalf("spawned %d pipelines, want 1", r.spawned())
	}

	st := o.Status()["a"]
	if st.Pipeline != "camera" || st.Dual {
		t.Errorf("slot A status = %+v, want camera, not dual", st)
	}
	if o.Status()["b"].Pipeline != "" {
		t.Errorf("slot B should be empty, got %+v", o.Status()["b"])
	}
}

func TestSelect_unknown_pipeline(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	err := o.Select(pipeline.SlotA, "no-such-pipeline")
	if !errors.Is(err, pipeline.ErrUnknownTemplate) {
		t.Fatalf("err = %v, want ErrUnknownTemplate", err)
	}
	if r.spawned() != 0 {
		t.Errorf("spawned %d pipelines, want 0", r.spawned())
	}
}

func TestSelect_replacement_tears_down_before_start(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("first Select: %v", err)
	}
	if err := o.Select(pipeline.SlotA, "segmentation"); err != nil {
		t.Fatalf("second Select: %v", err)
	}

	want := []string{"spawn", "release", "spawn"}
	got := r.sequence()
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
	if r.maxLive() != 1 {
		t.Errorf("maxLive = %d, want 1", r.maxLive())
	}

	old := r.handle(0)
	old.mu.Lock()
	stages := append([]supervisor.Stage(nil), old.stages...)
	old.mu.Unlock()
	wantStages := []supervisor.Stage{supervisor.StagePaused, supervisor.StageReady, supervisor.StageNull}
	if len(stages) != len(wantStages) {
		t.Fatalf("teardown stages = %v, want %v", stages, wantStages)
	}
	for i := range wantStages {
		if stages[i] != wantStages[i] {
			t.Fatalf("teardown stages = %v, want %v", stages, wantStages)
		}
	}
}

func TestSelect_slots_are_independent(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select A: %v", err)
	}
	if err := o.Select(pipeline.SlotB, "pose-detection"); err != nil {
		t.Fatalf("Select B: %v", err)
	}
	if r.maxLive() != 2 {
		t.Fatalf("maxLive = %d, want 2", r.maxLive())
	}

	if err := o.Select(pipeline.SlotA, ""); err != nil {
		t.Fatalf("clear A: %v", err)
	}

	b := r.handle(1)
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		t.Error("clearing slot A released slot B's pipeline")
	}
	if st := o.Status()["b"]; st.Pipeline != "pose-detection" {
		t.Errorf("slot B status = %+v, want pose-detection", st)
	}
}

func TestSelect_dual_claims_both_slots(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select A: %v", err)
	}
	if err := o.Select(pipeline.SlotB, "pose-detection"); err != nil {
		t.Fatalf("Select B: %v", err)
	}
	if err := o.Select(pipeline.SlotA, "depth-segmentation"); err != nil {
		t.Fatalf("Select dual: %v", err)
	}

	// Both singles released, then exactly one dual spawned.
	got := r.sequence()
	want := []string{"spawn", "spawn", "release", "release", "spawn"}
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}

	for _, slot := range []string{"a", "b"} {
		st := o.Status()[slot]
		if st.Pipeline != "depth-segmentation" || !st.Dual {
			t.Errorf("slot %s status = %+v, want dual depth-segmentation", slot, st)
		}
	}
}

func TestSelect_replacing_dual_from_other_slot_frees_both(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotA, "depth-segmentation"); err != nil {
		t.Fatalf("Select dual: %v", err)
	}
	if err := o.Select(pipeline.SlotB, "camera"); err != nil {
		t.Fatalf("Select B: %v", err)
	}

	dual := r.handle(0)
	dual.mu.Lock()
	released := dual.released
	dual.mu.Unlock()
	if !released {
		t.Fatal("dual pipeline not released when slot B was reselected")
	}
	if st := o.Status()["a"]; st.Pipeline != "" {
		t.Errorf("slot A should be empty after dual teardown, got %+v", st)
	}
	if st := o.Status()["b"]; st.Pipeline != "camera" {
		t.Errorf("slot B status = %+v, want camera", st)
	}
}

func TestSelect_clear_empty_slot_is_noop(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)
	l := &recordingListener{}
	o.SetListener(l)

	if err := o.Select(pipeline.SlotB, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if r.spawned() != 0 {
		t.Errorf("spawned %d pipelines, want 0", r.spawned())
	}
	l.mu.Lock()
	n := len(l.selections)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("got %d selection events for a no-op clear, want 0", n)
	}
}

func TestSelect_notifies_listener(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	l := &recordingListener{}
	o.SetListener(l)

	if err := o.Select(pipeline.SlotB, "depth-segmentation"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.selections) != 2 {
		t.Fatalf("selection events = %v, want one per slot", l.selections)
	}
	seen := map[pipeline.Slot]pipeline.ID{}
	for _, ev := range l.selections {
		seen[ev.slot] = ev.id
	}
	if seen[pipeline.SlotA] != "depth-segmentation" || seen[pipeline.SlotB] != "depth-segmentation" {
		t.Errorf("selection events = %v, want both slots announcing the dual pipeline", l.selections)
	}
}

func TestSelect_concurrent_same_slot_leaves_one_live_handle(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)

	var wg sync.WaitGroup
	for _, id := range []pipeline.ID{"camera", "segmentation", "object-detection", "classification"} {
		wg.Add(1)
		go func(id pipeline.ID) {
			defer wg.Done()
			if err := o.Select(pipeline.SlotA, id); err != nil {
				t.Errorf("Select %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if r.maxLive() != 1 {
		t.Errorf("maxLive = %d, want 1", r.maxLive())
	}
	if st := o.Status()["a"]; st.Pipeline == "" {
		t.Errorf("slot A should hold the last winner, got %+v", st)
	}
}

func TestSelect_does_not_stop_neighbor_when_dual_was_replaced_meanwhile(t *testing.T) {
	o, r, s := newTestOrchestrator(t)

	if err := o.Select(pipeline.SlotB, "depth-segmentation"); err != nil {
		t.Fatalf("Select dual: %v", err)
	}

	// Hold both selection locks so the next select sizes its teardown
	// against the dual occupant but cannot proceed yet.
	o.selMu[pipeline.SlotA].Lock()
	o.selMu[pipeline.SlotB].Lock()

	done := make(chan error, 1)
	go func() { done <- o.Select(pipeline.SlotA, "camera") }()
	time.Sleep(20 * time.Millisecond)

	// While it is parked, the dual occupant is replaced by a fresh
	// single-slot pipeline in slot B, as a competing select would do.
	o.stopOccupant(pipeline.SlotB)
	spec, err := o.resolve(pipeline.SlotB, "pose-detection", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	sup := supervisor.New(spec, r, s, o.log, o.cfg.Supervisor)
	if err := sup.Start(); err != nil {
		t.Fatalf("start replacement: %v", err)
	}
	o.mu.Lock()
	o.slots[pipeline.SlotB] = sup
	o.ids[pipeline.SlotB] = "pose-detection"
	o.mu.Unlock()

	o.selMu[pipeline.SlotB].Unlock()
	o.selMu[pipeline.SlotA].Unlock()

	if err := <-done; err != nil {
		t.Fatalf("Select camera: %v", err)
	}

	// Handles: 0 = dual, 1 = replacement in B, 2 = camera in A.
	fresh := r.handle(1)
	fresh.mu.Lock()
	released := fresh.released
	fresh.mu.Unlock()
	if released {
		t.Error("slot B's fresh pipeline was stopped by a single-slot select on A")
	}
	if st := o.Status()["b"]; st.Pipeline != "pose-detection" {
		t.Errorf("slot B status = %+v, want pose-detection", st)
	}
	if st := o.Status()["a"]; st.Pipeline != "camera" {
		t.Errorf("slot A status = %+v, want camera", st)
	}
	o.StopAll()
}

func TestSelect_failed_resolve_still_reports_vacated_slot(t *testing.T) {
	o, _, _ := newTestOrchestratorGeo(t, pipeline.Rect{X: 960, Y: 17, W: 640, H: 480})
	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select camera: %v", err)
	}

	l := &recordingListener{}
	o.SetListener(l)

	// The dual selection tears the occupant down first, then fails to
	// resolve against unequal slot geometry.
	err := o.Select(pipeline.SlotA, "depth-segmentation")
	if !errors.Is(err, pipeline.ErrGeometryMismatch) {
		t.Fatalf("err = %v, want ErrGeometryMismatch", err)
	}

	l.mu.Lock()
	selections := append([]selectionEvent(nil), l.selections...)
	l.mu.Unlock()
	if len(selections) != 1 || selections[0].slot != pipeline.SlotA || selections[0].id != "" {
		t.Errorf("selection events = %v, want slot A announced empty", selections)
	}
	if st := o.Status()["a"]; st.Pipeline != "" {
		t.Errorf("slot A status = %+v, want empty", st)
	}
}

func TestSelect_spawn_failure_leaves_slot_unclaimed(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)
	r.spawnErr = errors.New("no such element factory")

	if err := o.Select(pipeline.SlotA, "camera"); err == nil {
		t.Fatal("expected spawn error")
	}
	if st := o.Status()["a"]; st.Pipeline != "" {
		t.Errorf("slot A status = %+v, want empty after failed start", st)
	}

	r.mu.Lock()
	r.spawnErr = nil
	r.mu.Unlock()
	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("reselect after failure: %v", err)
	}
}

func TestSelect_terminal_event_racing_start_clears_slot(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)
	l := &recordingListener{}
	o.SetListener(l)
	r.terminalOnSpawn = true

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// The terminal event lands immediately after spawn; the slot must be
	// cleared and the failure reported, never left claimed by a dead
	// pipeline.
	waitFor(t, time.Second, func() bool { return l.failureCount() == 1 })
	if st := o.Status()["a"]; st.Pipeline != "" || st.State != "stopped" {
		t.Errorf("slot A status = %+v, want empty and stopped", st)
	}
}

func TestTerminalEvent_clears_slot_and_reports_failure(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)
	l := &recordingListener{}
	o.SetListener(l)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	r.handle(0).terminate(supervisor.Event{Kind: supervisor.EventError, Message: "internal data stream error"})

	waitFor(t, time.Second, func() bool { return l.failureCount() == 1 })

	if st := o.Status()["a"]; st.Pipeline != "" || st.State != "stopped" {
		t.Errorf("slot A status after failure = %+v, want empty and stopped", st)
	}

	// The slot is free again; a new selection must work.
	if err := o.Select(pipeline.SlotA, "segmentation"); err != nil {
		t.Fatalf("reselect after failure: %v", err)
	}
	if r.spawned() != 2 {
		t.Errorf("spawned %d pipelines, want 2", r.spawned())
	}
}

func TestWatchdog_restart_is_invisible_to_selection(t *testing.T) {
	o, r, _ := newTestOrchestrator(t)
	l := &recordingListener{}
	o.SetListener(l)

	if err := o.Select(pipeline.SlotA, "camera"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	r.handle(0).beat()

	// Stop beating; the watchdog should respawn without a selection change.
	waitFor(t, time.Second, func() bool { return r.spawned() >= 2 })
	r.handle(1).beat()

	if st := o.Status()["a"]; st.Pipeline != "camera" {
		t.Errorf("slot A status during restart = %+v, want camera retained", st)
	}
	l.mu.Lock()
	selections := len(l.selections)
	failures := len(l.failures)
	l.mu.Unlock()
	if selections != 1 || failures != 0 {
		t.Errorf("got %d selection events and %d failures, want 1 and 0", selections, failures)
	}
}
