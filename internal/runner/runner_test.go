package runner

import (
	"context"
	"testing"

	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor"
	"github.com/kination/helmsman/internal/failure"
)

func newTestRegistry() *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(executor.Named("shell", executor.Func(
		func(ctx context.Context, task string, env *environment.Environment) (any, error) {
			return "shell:" + task, nil
		})))
	registry.Register(executor.Named("pod", executor.Func(
		func(ctx context.Context, task string, env *environment.Environment) (any, error) {
			return nil, failure.New(failure.KindVerificationFailure, task, "exit status 1")
		})))
	return registry
}

func TestNewDefaultRunner(t *testing.T) {
	r := NewDefaultRunner(newTestRegistry())
	if r.Config().DefaultBackend != "shell" {
		t.Errorf("expected shell default backend, got %s", r.Config().DefaultBackend)
	}
	if r.Config().BackendBinding != "executor" {
		t.Errorf("expected executor binding, got %s", r.Config().BackendBinding)
	}
	if r.ExecutorRegistry() == nil {
		t.Error("registry should be set")
	}
}

func TestDefaultRunner_Run_DefaultBackend(t *testing.T) {
	r := NewDefaultRunner(newTestRegistry())

	result, err := r.Run(context.Background(), "build", environment.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Backend != "shell" {
		t.Errorf("expected shell backend, got %s", result.Backend)
	}
	if result.Output != "shell:build" {
		t.Errorf("unexpected output %v", result.Output)
	}
}

func TestDefaultRunner_Run_BackendFromEnvironment(t *testing.T) {
	r := NewDefaultRunner(newTestRegistry())
	env := environment.New(map[string]any{"executor": "pod"})

	result, err := r.Run(context.Background(), "test", env)
	if failure.KindOf(err) != failure.KindVerificationFailure {
		t.Fatalf("expected VerificationFailure, got %v", err)
	}
	if result == nil || result.Backend != "pod" {
		t.Errorf("expected a result from the pod backend, got %+v", result)
	}
}

func TestDefaultRunner_Run_UnknownBackend(t *testing.T) {
	r := NewRunner(newTestRegistry(), RunnerConfig{DefaultBackend: "spark"})

	_, err := r.Run(context.Background(), "build", nil)
	if failure.KindOf(err) != failure.KindExecutionFailure {
		t.Errorf("expected ExecutionFailure, got %v", err)
	}
}

func TestDefaultRunner_Execute(t *testing.T) {
	var exec executor.Executor = NewDefaultRunner(newTestRegistry())

	out, err := exec.Execute(context.Background(), "lint", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "shell:lint" {
		t.Errorf("unexpected output %v", out)
	}
}
