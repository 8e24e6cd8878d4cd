package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	ctrl "sigs.k8s.io/controller-runtime"
)

var log = ctrl.Log.WithName("scheduler")

// DefaultScheduler implements the Scheduler interface with a weighted semaphore.
type DefaultScheduler struct {
	config SchedulerConfig
	sem    *semaphore.Weighted

	// Track active tasks for concurrency control
	active atomic.Int64
}

// NewScheduler creates a new DefaultScheduler with the given configuration
func NewScheduler(config SchedulerConfig) *DefaultScheduler {
	s := &DefaultScheduler{config: config}
	if config.MaxActiveTasks > 0 {
		s.sem = semaphore.NewWeighted(int64(config.MaxActiveTasks))
	}
	return s
}

// NewDefaultScheduler creates a scheduler with default configuration
func NewDefaultScheduler() *DefaultScheduler {
	return NewScheduler(DefaultSchedulerConfig())
}

// Name returns the scheduler name
func (s *DefaultScheduler) Name() string {
	return "default-scheduler"
}

// Config returns the scheduler configuration
func (s *DefaultScheduler) Config() SchedulerConfig {
	return s.config
}

// Acquire waits for a free slot
func (s *DefaultScheduler) Acquire(ctx context.Context) error {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			log.V(1).Info("Gave up waiting for a slot", "active", s.ActiveTasks(), "reason", err.Error())
			return err
		}
	}
	s.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire
func (s *DefaultScheduler) Release() {
	if s.active.Add(-1) < 0 {
		s.active.Store(0)
		return
	}
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// ActiveTasks returns the number of currently active tasks
func (s *DefaultScheduler) ActiveTasks() int {
	return int(s.active.Load())
}
