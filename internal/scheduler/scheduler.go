// Package scheduler runs the periodic ticks of the monitoring core: metrics
// collection, health polling, message-queue drain and optimizer health checks.
// One Scheduler owns every timer so shutdown is a single idempotent Stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one tick of a periodic job.
type Task func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       Task
}

// Scheduler runs registered tasks on fixed intervals. Ticks of the same task
// never overlap; a slow tick delays the next one rather than stacking.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a scheduler. Call Start to begin ticking.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Every registers fn to run every interval. Tasks registered after Start begin
// ticking immediately.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %q: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("scheduler: task %q: nil task", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j := job{name: name, interval: interval, fn: fn}
	s.jobs = append(s.jobs, j)
	if s.running {
		s.launch(j)
	}
	return nil
}

// Start begins ticking all registered tasks. Calling Start twice, or after
// Stop, is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, j := range s.jobs {
		s.launch(j)
	}
	s.logger.Debug("scheduler: started", "tasks", len(s.jobs))
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(j job) {
	s.wg.Add(1)
	go s.loop(s.ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: task panicked", "task", j.name, "panic", r)
		}
	}()
	j.fn(ctx)
}

// Stop cancels every task and waits for in-flight ticks to return, or for ctx
// to expire. Safe to call multiple times and before Start.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.stopped = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out waiting for running tasks")
	}
}

// Tasks returns the names of registered tasks in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}
