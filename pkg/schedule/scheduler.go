// Package schedule implements the low-latency periodic task scheduler that drives
// pipeline tasks, either from a timer tick or from DMA completion interrupts.
//
// A task body never blocks. It reports through its Outcome whether it wants to
// run again one period later or leave the schedule.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Outcome is returned by a task body after each run.
type Outcome string

const (
	// OutcomeContinue keeps the task scheduled for the next period.
	OutcomeContinue Outcome = "continue"
	// OutcomeStop removes the task from the schedule.
	OutcomeStop Outcome = "stop"
)

// Runner is the body of a periodic task.
type Runner interface {
	Run() Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func() Outcome

// Run implements Runner.
func (f RunnerFunc) Run() Outcome { return f() }

// Kind selects what drives a scheduler.
type Kind string

const (
	KindTimer Kind = "timer"
	KindDMA   Kind = "dma"
)

// Observer receives per-run accounting, e.g. for metrics.
type Observer interface {
	TaskRun(kind Kind, task string, outcome Outcome, elapsed time.Duration)
	TaskOverrun(kind Kind, task string)
}

type taskState int

const (
	taskIdle taskState = iota
	taskQueued
	taskRunning
)

// Task is a periodic unit of work owned by one scheduler.
type Task struct {
	name     string
	runner   Runner
	priority int
	core     int

	// guarded by the owning scheduler's mutex
	state         taskState
	cancelPending bool
	// rescheduled marks a running task whose next run was set by Schedule.
	rescheduled bool
	period        time.Duration
	next          time.Time
	runs          uint64
	overruns      uint64
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Priority returns the task priority, lower runs first.
func (t *Task) Priority() int { return t.priority }

// Core returns the core the task is bound to.
func (t *Task) Core() int { return t.core }

// Config holds dependencies for creating a Scheduler.
type Config struct {
	Kind Kind
	// Tick is the timer resolution. Ignored in the DMA domain.
	Tick     time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
	Observer Observer
}

// Scheduler runs periodic tasks. Task bodies run without the scheduler lock
// held, so a body may schedule or cancel tasks, including itself.
type Scheduler struct {
	kind     Kind
	tick     time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	observer Observer

	mu    sync.Mutex
	tasks []*Task
	irq   chan struct{}
}

// New creates a scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	kind := cfg.Kind
	if kind == "" {
		kind = KindTimer
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Scheduler{
		kind:     kind,
		tick:     tick,
		clock:    clock,
		logger:   logger.With("scheduler", string(kind)),
		observer: cfg.Observer,
		irq:      make(chan struct{}, 1),
	}
}

// Kind returns the scheduler domain.
func (s *Scheduler) Kind() Kind { return s.kind }

// NewTask registers a task. It stays idle until scheduled.
func (s *Scheduler) NewTask(name string, r Runner, priority, core int) *Task {
	t := &Task{name: name, runner: r, priority: priority, core: core}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// Schedule queues t to first run after start and then every period. Scheduling
// an already active task is a no-op and reports false.
func (s *Scheduler) Schedule(t *Task, start, period time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.state {
	case taskQueued:
		return false
	case taskRunning:
		if !t.cancelPending {
			return false
		}
		t.cancelPending = false
		t.rescheduled = true
		t.period = period
		t.next = s.clock().Add(start)
		return true
	}
	t.state = taskQueued
	t.period = period
	t.next = s.clock().Add(start)
	return true
}

// Cancel removes t from the schedule. A running task finishes its current
// run and is not requeued.
func (s *Scheduler) Cancel(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.state {
	case taskQueued:
		t.state = taskIdle
	case taskRunning:
		t.cancelPending = true
	}
}

// IsActive reports whether t is queued or running without a pending cancel.
func (s *Scheduler) IsActive(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.state == taskQueued || (t.state == taskRunning && !t.cancelPending)
}

// Free cancels t and forgets it.
func (s *Scheduler) Free(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state == taskRunning {
		t.cancelPending = true
	} else {
		t.state = taskIdle
	}
	for i, candidate := range s.tasks {
		if candidate == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
}

// Active returns how many tasks are queued or running.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.state == taskQueued || (t.state == taskRunning && !t.cancelPending) {
			n++
		}
	}
	return n
}

// Stats returns the number of runs and missed periods of t.
func (s *Scheduler) Stats(t *Task) (runs, overruns uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.runs, t.overruns
}

// Tick runs every due task once, highest priority first, and returns how
// many ran. In the DMA domain every queued task is due.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	due := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.state != taskQueued {
			continue
		}
		if s.kind == KindDMA || !t.next.After(now) {
			t.state = taskRunning
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].priority < due[j].priority })

	for _, t := range due {
		started := s.clock()
		outcome := t.runner.Run()
		elapsed := s.clock().Sub(started)
		if s.observer != nil {
			s.observer.TaskRun(s.kind, t.name, outcome, elapsed)
		}
		s.finish(t, outcome, now)
	}
	return len(due)
}

func (s *Scheduler) finish(t *Task, outcome Outcome, now time.Time) {
	s.mu.Lock()
	t.runs++
	overrun := false
	rescheduled := t.rescheduled
	t.rescheduled = false
	switch {
	case t.cancelPending || outcome == OutcomeStop:
		t.state = taskIdle
		t.cancelPending = false
	case rescheduled:
		t.state = taskQueued
	default:
		t.state = taskQueued
		t.next = t.next.Add(t.period)
		if s.kind == KindTimer && !t.next.After(now) {
			// one or more periods were missed, realign to the next one
			t.overruns++
			overrun = true
			t.next = now.Add(t.period)
		}
	}
	s.mu.Unlock()

	if overrun {
		s.logger.Warn("task missed its period", "task", t.name)
		if s.observer != nil {
			s.observer.TaskOverrun(s.kind, t.name)
		}
	}
}

// Interrupt signals a DMA completion. Extra signals coalesce.
func (s *Scheduler) Interrupt() {
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick.String())
	defer s.logger.Info("scheduler stopped")

	if s.kind == KindDMA {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.irq:
				s.Tick(s.clock())
			}
		}
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(s.clock())
		}
	}
}
