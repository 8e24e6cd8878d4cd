// Package engine wires the compiler, the backend registry and the evaluator
// from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/compiler"
	"github.com/kination/helmsman/internal/config"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/evaluator"
	"github.com/kination/helmsman/internal/executor"
	"github.com/kination/helmsman/internal/executor/shell"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/runner"
	"github.com/kination/helmsman/internal/translator"
)

var log = ctrl.Log.WithName("engine")

// ErrNoTranslator is returned when a query needs translating but none is configured
var ErrNoTranslator = errors.New("no translator configured; pass a task document instead of a query")

// Request names what to run: a natural-language query or a task document
type Request struct {
	Query    string            `json:"query,omitempty"`
	Document string            `json:"document,omitempty"`
	Bindings map[string]string `json:"bindings,omitempty"`
}

// Engine compiles requests and evaluates them
type Engine struct {
	compiler   *compiler.Compiler
	evaluator  *evaluator.Evaluator
	runner     *runner.DefaultRunner
	translator translator.Translator
}

type options struct {
	translator translator.Translator
	prompts    translator.PromptBuilder
	backends   []executor.Backend
	evalOpts   []evaluator.Option
}

// Option customizes an Engine
type Option func(*options)

// WithTranslator overrides the translator built from configuration
func WithTranslator(t translator.Translator) Option {
	return func(o *options) {
		o.translator = t
	}
}

// WithPromptBuilder overrides the reparse prompt builder
func WithPromptBuilder(p translator.PromptBuilder) Option {
	return func(o *options) {
		o.prompts = p
	}
}

// WithBackend registers an additional execution backend
func WithBackend(b executor.Backend) Option {
	return func(o *options) {
		o.backends = append(o.backends, b)
	}
}

// WithEvaluatorOptions passes options through to the evaluator
func WithEvaluatorOptions(opts ...evaluator.Option) Option {
	return func(o *options) {
		o.evalOpts = append(o.evalOpts, opts...)
	}
}

// New builds an Engine. The shell backend is always registered.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	t := o.translator
	if t == nil {
		var err error
		if t, err = NewTranslator(cfg.Translator); err != nil {
			return nil, err
		}
	}

	registry := executor.NewRegistry()
	registry.Register(shell.New(shell.Config{Shell: cfg.Executor.Shell.Shell, Dir: cfg.Executor.Shell.Dir}))
	for _, b := range o.backends {
		registry.Register(b)
	}
	if !registry.Has(cfg.Executor.Default) {
		return nil, fmt.Errorf("default executor %q is not registered (have %s)",
			cfg.Executor.Default, strings.Join(registry.Names(), ", "))
	}

	r := runner.NewRunner(registry, runner.RunnerConfig{DefaultBackend: cfg.Executor.Default})
	c := compiler.New(t, o.prompts, compiler.WithTranslateTimeout(cfg.Translator.Timeout))
	ev := evaluator.New(c, r, cfg.EvaluatorOptions(), o.evalOpts...)

	log.V(1).Info("Engine ready", "backends", registry.Names(), "default", cfg.Executor.Default)
	return &Engine{compiler: c, evaluator: ev, runner: r, translator: t}, nil
}

// NewTranslator builds the translator described by cfg; nil when none is configured
func NewTranslator(cfg config.TranslatorConfig) (translator.Translator, error) {
	switch {
	case cfg.Command != "":
		return translator.NewCommand(cfg.Command)
	case len(cfg.Replay) > 0:
		return translator.LoadReplay(cfg.Replay...)
	default:
		return nil, nil
	}
}

// Compiler returns the engine's compiler
func (e *Engine) Compiler() *compiler.Compiler {
	return e.compiler
}

// Evaluator returns the engine's evaluator
func (e *Engine) Evaluator() *evaluator.Evaluator {
	return e.evaluator
}

// Backends lists the registered execution backends
func (e *Engine) Backends() []string {
	return e.runner.ExecutorRegistry().Names()
}

// Plan compiles req without executing anything. A document wins over a query.
func (e *Engine) Plan(ctx context.Context, req Request) (*ast.Node, error) {
	switch {
	case strings.TrimSpace(req.Document) != "":
		return e.compiler.CompileDocument([]byte(req.Document))
	case strings.TrimSpace(req.Query) != "":
		if e.translator == nil {
			return nil, ErrNoTranslator
		}
		return e.compiler.Bootstrap(ctx, req.Query)
	default:
		return nil, failure.Malformed("", "request needs a query or a document")
	}
}

// Run compiles req and evaluates the result
func (e *Engine) Run(ctx context.Context, req Request) (*ast.Node, *evaluator.Report, error) {
	node, err := e.Plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	report, err := e.evaluator.Run(ctx, node, environment.FromStrings(req.Bindings))
	return node, report, err
}
