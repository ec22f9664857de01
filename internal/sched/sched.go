// Package sched provides a shared single-goroutine periodic task scheduler.
// Watchdog checks and telemetry pollers all run as tasks on one scheduler,
// so no two callbacks ever execute in parallel with each other.
package sched

import (
	"sync"
	"time"
)

// DefaultTick is the scheduler granularity; task periods are rounded up to
// a multiple of it in practice.
const DefaultTick = 250 * time.Millisecond

// Task is a periodically scheduled callback. Cancel is safe to call from
// any goroutine, including from the callback itself, and is idempotent.
type Task struct {
	sched  *Scheduler
	period time.Duration
	next   time.Time
	fn     func()
}

// Cancel removes the task from its scheduler. A callback already in flight
// runs to completion.
func (t *Task) Cancel() {
	t.sched.mu.Lock()
	delete(t.sched.tasks, t)
	t.sched.mu.Unlock()
}

// Scheduler owns one goroutine that runs due tasks sequentially on every
// tick. Callbacks may block; a long callback delays other tasks for that
// tick rather than racing them.
type Scheduler struct {
	tick time.Duration

	mu    sync.Mutex
	tasks map[*Task]struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New starts a scheduler with the given tick granularity. A non-positive
// tick uses DefaultTick.
func New(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Scheduler{
		tick:  tick,
		tasks: make(map[*Task]struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Every registers fn to run every period. The first run happens one period
// from now. A period shorter than the scheduler tick effectively runs once
// per tick.
func (s *Scheduler) Every(period time.Duration, fn func()) *Task {
	if period <= 0 {
		period = s.tick
	}
	t := &Task{sched: s, period: period, next: time.Now().Add(period), fn: fn}
	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Close cancels all tasks and stops the scheduler goroutine, blocking until
// it has exited. Close is idempotent.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, t := range s.due(now) {
				t.fn()
			}
		}
	}
}

// due collects tasks whose deadline has passed and advances their next run.
func (s *Scheduler) due(now time.Time) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for t := range s.tasks {
		if !now.Before(t.next) {
			t.next = now.Add(t.period)
			out = append(out, t)
		}
	}
	return out
}
