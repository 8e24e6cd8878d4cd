// Package shell provides an executor that runs atomic tasks as local shell commands.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/failure"
)

// BackendName is the registry name of the shell executor
const BackendName = "shell"

// EnvPrefix prefixes every binding exported to the command environment
const EnvPrefix = "HELMSMAN_"

// Config holds configuration for the shell executor
type Config struct {
	Shell string // Defaults to /bin/sh
	Dir   string
	Env   []string // Extra KEY=VALUE entries
}

// Executor runs the task description with `<shell> -c`.
type Executor struct {
	config Config
}

// New creates a shell Executor
func New(cfg Config) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Executor{config: cfg}
}

// Name returns the backend name
func (e *Executor) Name() string {
	return BackendName
}

// Execute runs task and returns its trimmed stdout.
// A non-zero exit is a verification failure; a killed or timed-out process is
// resource exhaustion.
func (e *Executor) Execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	cmd := exec.CommandContext(ctx, e.config.Shell, "-c", task)
	cmd.Dir = e.config.Dir
	cmd.Env = append(os.Environ(), e.config.Env...)
	if env != nil {
		cmd.Env = append(cmd.Env, EnvVars(env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, failure.Wrap(failure.KindResourceExhaustion, task, ctx.Err())
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		details := strings.TrimSpace(stderr.String())
		if exitErr.ExitCode() == -1 {
			// terminated by a signal, typically the OOM killer
			return nil, failure.New(failure.KindResourceExhaustion, task, fmt.Sprintf("%v: %s", err, details))
		}
		return nil, failure.New(failure.KindVerificationFailure, task,
			fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), details))
	}
	return nil, failure.Wrap(failure.KindExecutionFailure, task, err)
}

// EnvVars exports every visible binding as HELMSMAN_<NAME>=value
func EnvVars(env *environment.Environment) []string {
	vars := env.Vars()
	out := make([]string, 0, len(vars))
	for _, name := range env.Names() {
		out = append(out, EnvName(name)+"="+vars[name])
	}
	return out
}

// EnvName converts a binding name to an environment variable name
func EnvName(name string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
