// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package scheduler runs cooperative tasks on a single goroutine.
//
// A Task holds one callback. While enabled, the callback runs on every
// Execute pass once its due time has been reached; a callback that wants to
// wait calls Delay, and one that moves to another phase calls SetCallback.
// Callbacks must never block.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// maxIdle bounds how long Run sleeps between passes.
const maxIdle = 100 * time.Millisecond

// Clock supplies the scheduler's notion of now.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock advanced explicitly, for tests and simulations.
type ManualClock struct {
	now time.Time
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Task is a unit of cooperative work owned by a Scheduler.
type Task struct {
	name     string
	s        *Scheduler
	callback func()
	due      time.Time
	enabled  bool
	aborted  bool
	runs     uint64
}

// Name returns the name given to NewTask.
func (t *Task) Name() string { return t.name }

// SetCallback replaces the function run by the task.
func (t *Task) SetCallback(fn func()) { t.callback = fn }

// Delay postpones the next run by d from now.
func (t *Task) Delay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.due = t.s.clock.Now().Add(d)
}

// Enable schedules the task to run on the next pass.
func (t *Task) Enable() {
	if t.aborted {
		return
	}
	t.enabled = true
	t.due = t.s.clock.Now()
}

// EnableDelayed schedules the task to run d from now.
func (t *Task) EnableDelayed(d time.Duration) {
	t.Enable()
	if t.enabled {
		t.Delay(d)
	}
}

// Disable keeps the task registered but stops running it.
func (t *Task) Disable() { t.enabled = false }

// Abort disables the task and removes it from its scheduler. An aborted task
// can not be enabled again.
func (t *Task) Abort() {
	t.enabled = false
	t.aborted = true
}

// Enabled reports whether the task is scheduled.
func (t *Task) Enabled() bool { return t.enabled }

// Runs returns how many times the callback has been invoked.
func (t *Task) Runs() uint64 { return t.runs }

// Scheduler owns a set of tasks and runs the due ones in registration order.
type Scheduler struct {
	clock  Clock
	tasks  []*Task
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New returns an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's clock reading.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// NewTask registers a disabled task running fn.
func (s *Scheduler) NewTask(name string, fn func()) *Task {
	t := &Task{name: name, s: s, callback: fn}
	s.tasks = append(s.tasks, t)
	return t
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Execute runs one pass: every enabled task whose due time has passed runs
// once. It returns the number of callbacks invoked.
func (s *Scheduler) Execute() int {
	ran := 0
	now := s.clock.Now()
	// tasks registered by a callback wait for the next pass
	tasks := s.tasks
	for _, t := range tasks {
		if !t.enabled || t.aborted || t.callback == nil || t.due.After(now) {
			continue
		}
		t.runs++
		ran++
		t.callback()
	}
	s.sweep()
	return ran
}

func (s *Scheduler) sweep() {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.aborted {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
}

// NextDue returns the earliest due time among enabled tasks.
func (s *Scheduler) NextDue() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, t := range s.tasks {
		if !t.enabled || t.aborted {
			continue
		}
		if !found || t.due.Before(next) {
			next = t.due
			found = true
		}
	}
	return next, found
}

// Run executes passes until ctx is done, sleeping until the next due task.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler started", "tasks", len(s.tasks))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped", "err", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
		s.Execute()

		wait := maxIdle
		if next, ok := s.NextDue(); ok {
			if d := next.Sub(s.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Simulate advances c in steps of step until total has elapsed, executing a
// pass after every step. The scheduler must have been created with c.
func (s *Scheduler) Simulate(c *ManualClock, total, step time.Duration) {
	if step <= 0 {
		step = time.Millisecond
	}
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		c.Advance(step)
		s.Execute()
	}
}
