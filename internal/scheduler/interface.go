// Package scheduler limits how many collaborator calls run at once.
package scheduler

import (
	"context"
)

// Scheduler hands out execution slots. Every successful Acquire must be
// paired with a Release.
type Scheduler interface {
	// Name returns the scheduler name
	Name() string

	// Acquire blocks until a slot is free or ctx is done
	Acquire(ctx context.Context) error

	// Release returns a slot
	Release()

	// ActiveTasks returns the number of slots currently held
	ActiveTasks() int
}

// SchedulerConfig holds common configuration for schedulers
type SchedulerConfig struct {
	// MaxActiveTasks caps concurrent task executions; 0 or less means unlimited
	MaxActiveTasks int
}

// DefaultSchedulerConfig returns the default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxActiveTasks: 10,
	}
}
