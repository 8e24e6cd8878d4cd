// Package runner provides task execution capabilities.
// Runner picks the backend for an atomic task and runs it through the executor registry.
package runner

import (
	"context"
	"time"

	"github.com/kination/helmsman/internal/environment"
)

// Runner defines the interface for atomic task execution.
type Runner interface {
	// Run executes a task and returns the result
	Run(ctx context.Context, task string, env *environment.Environment) (*RunResult, error)
}

// RunResult contains the result of task execution
type RunResult struct {
	// Task is the executed task description
	Task string

	// Backend is the name of the executor that ran the task
	Backend string

	// Output is the value produced by the backend
	Output any

	// Duration is the wall time of the backend call
	Duration time.Duration
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// DefaultBackend is used when the environment does not select one
	DefaultBackend string

	// BackendBinding is the environment name that selects a backend per task
	BackendBinding string
}

// DefaultRunnerConfig returns the default runner configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultBackend: "shell",
		BackendBinding: "executor",
	}
}
