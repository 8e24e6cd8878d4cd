package runner

import (
	"context"
	"fmt"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor"
	"github.com/kination/helmsman/internal/failure"
)

var log = ctrl.Log.WithName("runner")

// DefaultRunner implements the Runner interface using the executor registry.
type DefaultRunner struct {
	executorRegistry *executor.Registry
	config           RunnerConfig
}

// NewRunner creates a new DefaultRunner with the given executor registry
func NewRunner(registry *executor.Registry, config RunnerConfig) *DefaultRunner {
	defaults := DefaultRunnerConfig()
	if config.DefaultBackend == "" {
		config.DefaultBackend = defaults.DefaultBackend
	}
	if config.BackendBinding == "" {
		config.BackendBinding = defaults.BackendBinding
	}
	return &DefaultRunner{
		executorRegistry: registry,
		config:           config,
	}
}

// NewDefaultRunner creates a runner with default configuration
func NewDefaultRunner(registry *executor.Registry) *DefaultRunner {
	return NewRunner(registry, DefaultRunnerConfig())
}

// Run executes a task using the backend selected by env
func (r *DefaultRunner) Run(ctx context.Context, task string, env *environment.Environment) (*RunResult, error) {
	name := r.backendFor(env)
	exec, err := r.executorRegistry.Get(name)
	if err != nil {
		return nil, failure.Wrap(failure.KindExecutionFailure, task, err)
	}

	log.V(1).Info("Running task", "task", task, "backend", name)

	start := time.Now()
	out, err := exec.Execute(ctx, task, env)
	result := &RunResult{
		Task:     task,
		Backend:  name,
		Output:   out,
		Duration: time.Since(start),
	}
	if err != nil {
		log.V(1).Info("Task failed", "task", task, "backend", name, "error", err.Error())
		return result, err
	}
	return result, nil
}

// Execute adapts the runner to executor.Executor
func (r *DefaultRunner) Execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	result, err := r.Run(ctx, task, env)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

// Config returns the runner configuration
func (r *DefaultRunner) Config() RunnerConfig {
	return r.config
}

// ExecutorRegistry returns the executor registry
func (r *DefaultRunner) ExecutorRegistry() *executor.Registry {
	return r.executorRegistry
}

func (r *DefaultRunner) backendFor(env *environment.Environment) string {
	if env != nil {
		if v, ok := env.Lookup(r.config.BackendBinding); ok {
			if name := fmt.Sprint(v); name != "" {
				return name
			}
		}
	}
	return r.config.DefaultBackend
}
