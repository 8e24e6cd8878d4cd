// Package evaluator walks an AST, runs atomic tasks through the execution
// collaborator and recovers failing nodes by reparsing them.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/compiler"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/scheduler"
)

var log = ctrl.Log.WithName("evaluator")

// Names bound while evaluating compound nodes
const (
	BindingPrevious    = "previous"
	BindingAccumulator = "accumulator"
	BindingArgs        = "args"
)

// Reparser regenerates failing subtrees. *compiler.Compiler implements it.
type Reparser interface {
	Reparse(ctx context.Context, failedTask string, err *failure.ExecutionError, env *environment.Environment) (*ast.Node, error)
	CompileDocument(raw []byte) (*ast.Node, error)
}

// Stats counts collaborator activity
type Stats struct {
	Executions int64
	Reparses   int64
	Failures   int64
}

// Report summarizes one Run
type Report struct {
	RunID    string
	Result   any
	Stats    Stats
	Duration time.Duration
}

// Evaluator interprets ASTs. It is safe for concurrent use.
type Evaluator struct {
	reparser  Reparser
	exec      executor.Executor
	config    Config
	observer  Observer
	scheduler scheduler.Scheduler

	executions atomic.Int64
	reparses   atomic.Int64
	failures   atomic.Int64
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithObserver registers an observer for node transitions
func WithObserver(o Observer) Option {
	return func(e *Evaluator) {
		e.observer = o
	}
}

// WithScheduler replaces the slot limiter built from Config.MaxActiveTasks
func WithScheduler(s scheduler.Scheduler) Option {
	return func(e *Evaluator) {
		e.scheduler = s
	}
}

// New creates an Evaluator
func New(reparser Reparser, exec executor.Executor, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		reparser: reparser,
		exec:     exec,
		config:   cfg.withDefaults(),
	}
	if cfg.MaxActiveTasks > 0 {
		e.scheduler = scheduler.NewScheduler(scheduler.SchedulerConfig{MaxActiveTasks: cfg.MaxActiveTasks})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration
func (e *Evaluator) Config() Config {
	return e.config
}

// Stats returns counts accumulated over the evaluator's lifetime
func (e *Evaluator) Stats() Stats {
	return Stats{
		Executions: e.executions.Load(),
		Reparses:   e.reparses.Load(),
		Failures:   e.failures.Load(),
	}
}

// Eval evaluates node in env. depth is the number of replacements already
// made for node; callers start at 0.
func (e *Evaluator) Eval(ctx context.Context, node *ast.Node, env *environment.Environment, depth int) (any, error) {
	w := &walk{e: e}
	return w.eval(ctx, node, envOrEmpty(env), depth, rootFrame(node))
}

// Run evaluates node from depth 0 and reports what it took.
// The report is returned even when evaluation fails.
func (e *Evaluator) Run(ctx context.Context, node *ast.Node, env *environment.Environment) (*Report, error) {
	w := &walk{e: e}
	report := &Report{RunID: uuid.NewString()}
	start := time.Now()

	log.Info("Starting run", "run", report.RunID, "nodes", node.Size())
	result, err := w.eval(ctx, node, envOrEmpty(env), 0, rootFrame(node))

	report.Result = result
	report.Duration = time.Since(start)
	report.Stats = Stats{
		Executions: w.executions.Load(),
		Reparses:   w.reparses.Load(),
		Failures:   w.failures.Load(),
	}
	if err != nil {
		log.Error(err, "Run failed", "run", report.RunID, "reparses", report.Stats.Reparses)
		return report, err
	}
	log.Info("Run completed", "run", report.RunID, "executions", report.Stats.Executions,
		"reparses", report.Stats.Reparses, "duration", report.Duration)
	return report, nil
}

// frame locates a node within the walk
type frame struct {
	path   string
	origin string // task of the node whose failure started the replacement chain
	level  int
	entry  bool // first frame of a tree handed to the walk
}

func rootFrame(node *ast.Node) frame {
	f := frame{path: "task", entry: true}
	if node != nil {
		f.origin = taskOf(node)
	}
	return f
}

func (f frame) child(i int, node *ast.Node) frame {
	return frame{
		path:   fmt.Sprintf("%s.subtask[%d]", f.path, i),
		origin: taskOf(node),
		level:  f.level + 1,
	}
}

func (f frame) replacement(depth int) frame {
	return frame{
		path:   fmt.Sprintf("%s#%d", f.path, depth),
		origin: f.origin,
		level:  f.level + 1,
		entry:  true,
	}
}

// walk carries per-invocation counters
type walk struct {
	e *Evaluator

	executions atomic.Int64
	reparses   atomic.Int64
	failures   atomic.Int64
}

func (w *walk) eval(ctx context.Context, node *ast.Node, env *environment.Environment, depth int, f frame) (any, error) {
	if node == nil {
		return nil, failure.Malformed(f.path, "nil node")
	}
	// whole trees are measured before any of their nodes run
	if f.entry && f.level+node.Height() > w.e.config.MaxNesting {
		return nil, failure.Terminal(failure.Malformed(f.path, "nesting exceeds %d levels", w.e.config.MaxNesting))
	}
	if f.level > w.e.config.MaxNesting {
		return nil, failure.Terminal(failure.Malformed(f.path, "nesting exceeds %d levels", w.e.config.MaxNesting))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.observe(f, node, depth, workflowv1.NodePending, workflowv1.NodeExecuting, nil)
	value, err := w.step(ctx, node, env, depth, f)
	if err == nil {
		w.observe(f, node, depth, workflowv1.NodeExecuting, workflowv1.NodeSucceeded, nil)
		return value, nil
	}

	if ctx.Err() != nil || !failure.IsRetryable(err) {
		w.observe(f, node, depth, workflowv1.NodeExecuting, workflowv1.NodePermanentlyFailed, err)
		return nil, err
	}

	w.countFailure()
	w.observe(f, node, depth, workflowv1.NodeExecuting, workflowv1.NodeFailed, err)
	if depth >= w.e.config.MaxReparseAttempts {
		w.observe(f, node, depth, workflowv1.NodeFailed, workflowv1.NodePermanentlyFailed, err)
		log.Info("Reparse budget exhausted", "path", f.path, "task", f.origin, "attempts", depth)
		return nil, failure.MaxReparseExceeded(f.origin, depth, err)
	}

	w.observe(f, node, depth, workflowv1.NodeFailed, workflowv1.NodeReparsing, err)
	xerr, _ := failure.As(err)
	w.countReparse()
	log.Info("Reparsing failed node", "path", f.path, "depth", depth, "kind", xerr.Kind)

	replacement, rerr := w.e.reparser.Reparse(ctx, taskOf(node), xerr, env)
	if rerr != nil {
		return nil, failure.Terminal(fmt.Errorf("reparse %s: %w", f.path, rerr))
	}
	return w.eval(ctx, replacement, env, depth+1, f.replacement(depth+1))
}

// step evaluates node once, without recovery
func (w *walk) step(ctx context.Context, node *ast.Node, env *environment.Environment, depth int, f frame) (any, error) {
	op := node.Operator
	switch op.Type {
	case workflowv1.OperatorAtomic:
		if len(node.Args) > 0 {
			return nil, failure.Malformed(f.path, "atomic task cannot have %d subtasks", len(node.Args))
		}
		return w.execute(ctx, op.Task, env.Extend(op.Params, nil))

	case workflowv1.OperatorReparse:
		return w.resolveReparse(ctx, node, env, depth, f)

	case workflowv1.OperatorSequence:
		results, err := w.sequence(ctx, node, env, f)
		if err != nil {
			return nil, err
		}
		return w.apply(ctx, op, results, env)

	case workflowv1.OperatorMap:
		results, err := w.parallel(ctx, node, env, f)
		if err != nil {
			return nil, err
		}
		return w.apply(ctx, op, results, env)

	case workflowv1.OperatorReduce:
		results, err := w.fold(ctx, node, env, f)
		if err != nil {
			return nil, err
		}
		return w.apply(ctx, op, results, env)

	default:
		return nil, failure.UnknownOperator(f.path, string(op.Type))
	}
}

// sequence evaluates children in order; each sees the results before it
func (w *walk) sequence(ctx context.Context, node *ast.Node, env *environment.Environment, f frame) ([]any, error) {
	if err := requireArgs(node, f); err != nil {
		return nil, err
	}
	results := make([]any, len(node.Args))
	scope := env
	for i, child := range node.Args {
		if i > 0 {
			scope = scope.With(map[string]any{
				BindingPrevious:            results[i-1],
				fmt.Sprintf("step%d", i-1): results[i-1],
			})
		}
		v, err := w.eval(ctx, child, scope, 0, f.child(i, child))
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

// parallel evaluates independent children concurrently, keeping declaration order
func (w *walk) parallel(ctx context.Context, node *ast.Node, env *environment.Environment, f frame) ([]any, error) {
	if err := requireArgs(node, f); err != nil {
		return nil, err
	}
	results := make([]any, len(node.Args))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.e.config.MapParallelism)
	for i, child := range node.Args {
		i, child := i, child
		g.Go(func() error {
			v, err := w.eval(gctx, child, env.Extend(nil, nil), 0, f.child(i, child))
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fold evaluates children in order, threading the previous result as the accumulator
func (w *walk) fold(ctx context.Context, node *ast.Node, env *environment.Environment, f frame) ([]any, error) {
	if err := requireArgs(node, f); err != nil {
		return nil, err
	}
	results := make([]any, len(node.Args))
	var acc any
	for i, child := range node.Args {
		scope := env
		if i > 0 {
			scope = env.With(map[string]any{BindingAccumulator: acc})
		}
		v, err := w.eval(ctx, child, scope, 0, f.child(i, child))
		if err != nil {
			return nil, err
		}
		results[i] = v
		acc = v
	}
	return results, nil
}

// apply runs a compound operator's own task over its evaluated arguments
func (w *walk) apply(ctx context.Context, op ast.Operator, results []any, env *environment.Environment) (any, error) {
	scope := env.Extend(op.Params, results).With(map[string]any{BindingArgs: results})
	return w.execute(ctx, op.Task, scope)
}

// resolveReparse executes a reparse prompt and evaluates the document it yields
func (w *walk) resolveReparse(ctx context.Context, node *ast.Node, env *environment.Environment, depth int, f frame) (any, error) {
	op := node.Operator
	if depth >= w.e.config.MaxReparseAttempts {
		return nil, failure.MaxReparseExceeded(taskOf(node), depth, nil)
	}

	out, err := w.execute(ctx, op.Task, env.Extend(op.Params, nil))
	if err != nil {
		return nil, err
	}
	w.countReparse()

	replacement, err := w.e.reparser.CompileDocument([]byte(environment.Format(out)))
	if err != nil {
		return nil, fmt.Errorf("compile reparse output at %s: %w", f.path, err)
	}
	if replacement.Operator.Type == workflowv1.OperatorReparse {
		return nil, failure.Malformed(f.path, "reparse output is itself a reparse request")
	}
	return w.eval(ctx, replacement, env, depth+1, f.replacement(depth+1))
}

// execute calls the execution collaborator under the slot limiter and timeout
func (w *walk) execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	if w.e.exec == nil {
		return nil, failure.Terminal(failure.New(failure.KindExecutionFailure, task, "no executor configured"))
	}
	if s := w.e.scheduler; s != nil {
		if err := s.Acquire(ctx); err != nil {
			return nil, err
		}
		defer s.Release()
	}

	callCtx := ctx
	if w.e.config.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.e.config.ExecuteTimeout)
		defer cancel()
	}

	w.executions.Add(1)
	w.e.executions.Add(1)
	out, err := w.e.exec.Execute(callCtx, task, env)
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if _, ok := failure.As(err); ok {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, failure.Wrap(failure.KindResourceExhaustion, task, err)
	}
	return nil, failure.Wrap(failure.KindExecutionFailure, task, err)
}

func (w *walk) countFailure() {
	w.failures.Add(1)
	w.e.failures.Add(1)
}

func (w *walk) countReparse() {
	w.reparses.Add(1)
	w.e.reparses.Add(1)
}

func (w *walk) observe(f frame, node *ast.Node, depth int, from, to workflowv1.NodeState, err error) {
	if w.e.observer == nil {
		return
	}
	w.e.observer.Observe(Transition{
		Path:  f.path,
		Task:  node.Operator.Task,
		Type:  node.Operator.Type,
		Depth: depth,
		From:  from,
		To:    to,
		Err:   err,
	})
}

func requireArgs(node *ast.Node, f frame) error {
	if len(node.Args) == 0 {
		return failure.Malformed(f.path, "%s task requires at least one subtask", node.Operator.Type)
	}
	return nil
}

// taskOf returns the task a failure should be reported against. Reparse
// nodes carry the task they replace as a parameter.
func taskOf(node *ast.Node) string {
	if node.Operator.Type == workflowv1.OperatorReparse {
		if original, ok := node.Operator.Param(compiler.ParamOriginalTask); ok && original != "" {
			return original
		}
	}
	return node.Operator.Task
}

func envOrEmpty(env *environment.Environment) *environment.Environment {
	if env == nil {
		return environment.New(nil)
	}
	return env
}
