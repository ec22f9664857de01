package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_runs_task_periodically(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	s.Every(10*time.Millisecond, func() { runs.Add(1) })

	time.Sleep(120 * time.Millisecond)
	if n := runs.Load(); n < 3 {
		t.Errorf("expected at least 3 runs, got %d", n)
	}
}

func TestScheduler_cancel_stops_task(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	var runs atomic.Int32
	task := s.Every(10*time.Millisecond, func() { runs.Add(1) })

	time.Sleep(60 * time.Millisecond)
	task.Cancel()
	task.Cancel() // idempotent
	after := runs.Load()

	time.Sleep(60 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("task ran after cancel: %d -> %d", after, runs.Load())
	}
}

func TestScheduler_tasks_never_overlap(t *testing.T) {
	s := New(2 * time.Millisecond)
	defer s.Close()

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	body := func() {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
	}
	s.Every(5*time.Millisecond, body)
	s.Every(5*time.Millisecond, body)
	s.Every(5*time.Millisecond, body)

	time.Sleep(100 * time.Millisecond)
	if overlapped.Load() {
		t.Error("two task callbacks ran in parallel")
	}
}

func TestScheduler_close_stops_everything(t *testing.T) {
	s := New(5 * time.Millisecond)

	var runs atomic.Int32
	s.Every(10*time.Millisecond, func() { runs.Add(1) })

	time.Sleep(40 * time.Millisecond)
	s.Close()
	s.Close() // idempotent
	after := runs.Load()

	time.Sleep(40 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("task ran after Close: %d -> %d", after, runs.Load())
	}
}

func TestScheduler_cancel_from_callback(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	var task *Task
	var runs int

	mu.Lock()
	task = s.Every(10*time.Millisecond, func() {
		mu.Lock()
		defer mu.Unlock()
		runs++
		task.Cancel()
	})
	mu.Unlock()

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("self-cancelling task ran %d times, want 1", runs)
	}
}
