// Package executor provides the execution collaborator contract and a registry
// of named backends that run atomic tasks.
package executor

import (
	"context"

	"github.com/kination/helmsman/internal/environment"
)

// Executor runs one atomic task description against an environment.
// Failures should be reported as *failure.ExecutionError so the evaluator can
// classify them; any other error is treated as a generic execution failure.
type Executor interface {
	Execute(ctx context.Context, task string, env *environment.Environment) (any, error)
}

// Backend is an Executor registered under a name
type Backend interface {
	Executor

	// Name returns the backend name used for lookup (e.g. "shell", "pod")
	Name() string
}

// Func adapts a function to the Executor interface
type Func func(ctx context.Context, task string, env *environment.Environment) (any, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	return f(ctx, task, env)
}

// named attaches a name to an Executor
type named struct {
	Executor
	name string
}

func (n named) Name() string { return n.name }

// Named wraps exec as a Backend called name
func Named(name string, exec Executor) Backend {
	return named{Executor: exec, name: name}
}
