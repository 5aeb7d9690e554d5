// Package scheduler runs the node's periodic tasks from a single loop. Tasks never
// overlap: each one runs to completion before the next is considered.
package scheduler

import (
	"context"
	"log"
	"time"
)

// Task is one unit of periodic work. Errors are logged, never propagated.
type Task func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	task     Task
	lastRun  time.Time
	ran      bool
	runs     int
	failures int
}

type Scheduler struct {
	entries []*entry
	tick    time.Duration
	now     func() time.Time
	log     *log.Logger
}

// New creates a scheduler polling every tick.
func New(tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{tick: tick, now: time.Now, log: logger}
}

// Add registers a task. Tasks run in registration order when due together; a task is
// due on the first pass and then every interval.
func (s *Scheduler) Add(name string, interval time.Duration, task Task) {
	s.entries = append(s.entries, &entry{name: name, interval: interval, task: task})
}

// RunDue runs every task whose interval has elapsed at now and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	n := 0
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return n
		}
		if e.ran && now.Sub(e.lastRun) < e.interval {
			continue
		}
		e.lastRun = now
		e.ran = true
		e.runs++
		n++
		if err := e.task(ctx); err != nil {
			e.failures++
			s.log.Printf("scheduler: task %s failed: %v", e.name, err)
		}
	}
	return n
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	s.RunDue(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// Stats returns run and failure counts for the named task.
func (s *Scheduler) Stats(name string) (runs, failures int) {
	for _, e := range s.entries {
		if e.name == name {
			return e.runs, e.failures
		}
	}
	return 0, 0
}
