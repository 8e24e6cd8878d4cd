package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/compiler"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/taskstructure"
)

// MockExecutor runs tasks through a handler and records every call
type MockExecutor struct {
	mu      sync.Mutex
	calls   []string
	handler func(ctx context.Context, task string, env *environment.Environment) (any, error)
}

func (m *MockExecutor) Execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task)
	m.mu.Unlock()
	if m.handler == nil {
		return "ok:" + task, nil
	}
	return m.handler(ctx, task, env)
}

func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockReparser hands out replacement nodes and records what it was asked to replace
type MockReparser struct {
	mu       sync.Mutex
	failed   []string
	kinds    []failure.Kind
	next     func(n int, failedTask string) *ast.Node
	err      error
	compiled int
}

func (m *MockReparser) Reparse(ctx context.Context, failedTask string, err *failure.ExecutionError, env *environment.Environment) (*ast.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, failedTask)
	if err != nil {
		m.kinds = append(m.kinds, err.Kind)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.next == nil {
		return ast.NewAtomic(fmt.Sprintf("%s (retry %d)", failedTask, len(m.failed))), nil
	}
	return m.next(len(m.failed), failedTask), nil
}

func (m *MockReparser) CompileDocument(raw []byte) (*ast.Node, error) {
	m.mu.Lock()
	m.compiled++
	m.mu.Unlock()
	return taskstructure.Compile(raw)
}

func (m *MockReparser) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed)
}

func transient(task string) error {
	return failure.New(failure.KindExecutionFailure, task, "transient fault")
}

func TestNew_Defaults(t *testing.T) {
	e := New(&MockReparser{}, &MockExecutor{}, Config{})
	cfg := e.Config()

	if cfg.MaxReparseAttempts != 3 {
		t.Errorf("expected MaxReparseAttempts 3, got %d", cfg.MaxReparseAttempts)
	}
	if cfg.MapParallelism != 4 {
		t.Errorf("expected MapParallelism 4, got %d", cfg.MapParallelism)
	}
	if cfg.MaxNesting != 32 {
		t.Errorf("expected MaxNesting 32, got %d", cfg.MaxNesting)
	}
	if e.scheduler != nil {
		t.Error("no scheduler expected without MaxActiveTasks")
	}
}

func TestEvaluator_Eval_AtomicSuccess(t *testing.T) {
	want := map[string]int{"passed": 12}
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		return want, nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	got, err := e.Eval(context.Background(), ast.NewAtomic("run tests"), environment.New(nil), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if reparser.Count() != 0 {
		t.Errorf("reparse should never be called, got %d calls", reparser.Count())
	}
}

func TestEvaluator_Eval_AtomicParams(t *testing.T) {
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		v, _ := env.LookupString("target")
		return v, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	node := ast.NewAtomic("go build", workflowv1.Param{Name: "target", Value: "./..."})
	got, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "./..." {
		t.Errorf("expected declared parameter value, got %v", got)
	}
}

func TestEvaluator_Eval_RecoversAfterFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		t.Run(fmt.Sprintf("failures=%d", k), func(t *testing.T) {
			var calls atomic.Int32
			exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
				if int(calls.Add(1)) <= k {
					return nil, transient(task)
				}
				return "done", nil
			}}
			reparser := &MockReparser{}
			e := New(reparser, exec, DefaultConfig())

			got, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), environment.New(nil), 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != "done" {
				t.Errorf("expected success value, got %v", got)
			}
			if reparser.Count() != k {
				t.Errorf("expected %d reparse calls, got %d", k, reparser.Count())
			}
		})
	}
}

func TestEvaluator_Eval_RecoversOnLastAllowedReparse(t *testing.T) {
	cfg := DefaultConfig()
	var calls atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if int(calls.Add(1)) <= cfg.MaxReparseAttempts {
			return nil, transient(task)
		}
		return "done", nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, cfg)

	report, err := e.Run(context.Background(), ast.NewAtomic("deploy"), nil)
	if err != nil {
		t.Fatalf("expected recovery on the last replacement, got %v", err)
	}
	if report.Result != "done" {
		t.Errorf("expected success value, got %v", report.Result)
	}
	if report.Stats.Reparses != int64(cfg.MaxReparseAttempts) {
		t.Errorf("expected %d reparses, got %d", cfg.MaxReparseAttempts, report.Stats.Reparses)
	}
}

func TestEvaluator_Eval_MaxReparseExceeded(t *testing.T) {
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		return nil, failure.New(failure.KindVerificationFailure, task, "tests failed")
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), environment.New(nil), 0)
	if !errors.Is(err, failure.ErrMaxReparseExceeded) {
		t.Fatalf("expected MaxReparseExceeded, got %v", err)
	}

	xerr, ok := failure.As(err)
	if !ok {
		t.Fatalf("expected ExecutionError, got %T", err)
	}
	if xerr.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", xerr.Attempts)
	}
	if xerr.Task != "deploy" {
		t.Errorf("expected original task 'deploy', got %q", xerr.Task)
	}
	if reparser.Count() != 3 {
		t.Errorf("expected 3 reparse calls, got %d", reparser.Count())
	}
	if len(exec.Calls()) != 4 {
		t.Errorf("expected 4 executions, got %v", exec.Calls())
	}
	if !errors.Is(err, failure.ErrVerificationFailure) {
		t.Error("last failure should stay in the error chain")
	}
}

func TestEvaluator_Eval_ConfiguredAttempts(t *testing.T) {
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		return nil, transient(task)
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, Config{MaxReparseAttempts: 1})

	_, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), nil, 0)
	xerr, ok := failure.As(err)
	if !ok || xerr.Kind != failure.KindMaxReparseExceeded {
		t.Fatalf("expected MaxReparseExceeded, got %v", err)
	}
	if xerr.Attempts != 1 || reparser.Count() != 1 {
		t.Errorf("expected one attempt, got attempts=%d reparses=%d", xerr.Attempts, reparser.Count())
	}
}

func TestEvaluator_Eval_BuildAndTest(t *testing.T) {
	node, err := taskstructure.Compile([]byte(`
type: sequence
description: build and test
subtasks:
  - type: atomic
    description: run build
  - type: atomic
    description: run tests
`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	failedOnce := false
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "run build" && !failedOnce {
			failedOnce = true
			return nil, transient(task)
		}
		return "ok:" + task, nil
	}}
	reparser := &MockReparser{next: func(n int, failedTask string) *ast.Node {
		return ast.NewAtomic("run build (retry)")
	}}
	e := New(reparser, exec, DefaultConfig())

	if _, err := e.Eval(context.Background(), node, environment.New(nil), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"run build", "run build (retry)", "run tests", "build and test"}
	if diff := cmp.Diff(want, exec.Calls()); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	if reparser.Count() != 1 {
		t.Errorf("expected exactly one reparse, got %d", reparser.Count())
	}
	if diff := cmp.Diff([]string{"run build"}, reparser.failed); diff != "" {
		t.Errorf("reparsed task mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Eval_SiblingsPreserved(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorSequence, "pipeline", nil,
		ast.NewAtomic("fetch"),
		ast.NewAtomic("compile"),
		ast.NewAtomic("package"),
	)
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "compile" {
			return nil, transient(task)
		}
		return "ok:" + task, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := exec.Calls()
	fetches := 0
	for _, c := range calls {
		if c == "fetch" {
			fetches++
		}
	}
	if fetches != 1 {
		t.Errorf("completed sibling should run once, ran %d times: %v", fetches, calls)
	}
}

func TestEvaluator_Eval_ChildExhaustionIsTerminal(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorSequence, "pipeline", nil,
		ast.NewAtomic("fetch"),
		ast.NewAtomic("compile"),
		ast.NewAtomic("package"),
	)
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if strings.HasPrefix(task, "compile") {
			return nil, transient(task)
		}
		return "ok:" + task, nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), node, nil, 0)
	xerr, ok := failure.As(err)
	if !ok || xerr.Kind != failure.KindMaxReparseExceeded {
		t.Fatalf("expected MaxReparseExceeded, got %v", err)
	}
	if xerr.Task != "compile" {
		t.Errorf("expected failing task 'compile', got %q", xerr.Task)
	}
	if reparser.Count() != 3 {
		t.Errorf("enclosing sequence must not be reparsed, got %d reparses", reparser.Count())
	}
	for _, c := range exec.Calls() {
		if c == "package" || c == "pipeline" {
			t.Errorf("%q should not run after a permanent failure", c)
		}
	}
}

func TestEvaluator_Eval_SequenceBindings(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorSequence, "summarize", nil,
		ast.NewAtomic("one"),
		ast.NewAtomic("two"),
		ast.NewAtomic("three"),
	)
	seen := map[string]string{}
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "three" {
			prev, _ := env.LookupString(BindingPrevious)
			first, _ := env.LookupString("step0")
			seen["previous"] = prev
			seen["step0"] = first
		}
		if task == "summarize" {
			args, _ := env.Lookup(BindingArgs)
			return args, nil
		}
		return "out:" + task, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	got, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"previous": "out:two", "step0": "out:one"}, seen); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"out:one", "out:two", "out:three"}, got); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Eval_MapPreservesOrder(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorMap, "collect", nil,
		ast.NewAtomic("30"),
		ast.NewAtomic("20"),
		ast.NewAtomic("10"),
		ast.NewAtomic("0"),
	)
	var completed []string
	var mu sync.Mutex
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "collect" {
			args, _ := env.Lookup(BindingArgs)
			return args, nil
		}
		var ms int
		fmt.Sscanf(task, "%d", &ms)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		mu.Lock()
		completed = append(completed, task)
		mu.Unlock()
		return "r" + task, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	got, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{"r30", "r20", "r10", "r0"}, got); diff != "" {
		t.Errorf("map results out of order (-want +got):\n%s", diff)
	}
	if len(completed) != 4 || completed[0] == "30" {
		t.Errorf("children should complete out of declaration order, got %v", completed)
	}
}

func TestEvaluator_Eval_MapIsolatesChildren(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorMap, "collect", nil,
		ast.NewAtomic("a", workflowv1.Param{Name: "name", Value: "a"}),
		ast.NewAtomic("b"),
	)
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "b" {
			if _, ok := env.Lookup("name"); ok {
				return nil, failure.Terminal(errors.New("binding leaked between map children"))
			}
		}
		return task, nil
	}}
	e := New(&MockReparser{}, exec, Config{MapParallelism: 1})

	if _, err := e.Eval(context.Background(), node, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEvaluator_Eval_ReduceAccumulator(t *testing.T) {
	node := ast.NewCompound(workflowv1.OperatorReduce, "total", nil,
		ast.NewAtomic("1"),
		ast.NewAtomic("2"),
		ast.NewAtomic("3"),
	)
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "total" {
			v, _ := env.Lookup(BindingArgs)
			args := v.([]any)
			return args[len(args)-1], nil
		}
		var n int
		fmt.Sscanf(task, "%d", &n)
		if acc, ok := env.Lookup(BindingAccumulator); ok {
			n += acc.(int)
		}
		return n, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	got, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 6 {
		t.Errorf("expected 6, got %v", got)
	}
}

func TestEvaluator_Eval_ApplyBindsParams(t *testing.T) {
	params := workflowv1.Params{{Name: "build"}, {Name: "tests"}, {Name: "report", Value: "junit"}}
	node := ast.NewCompound(workflowv1.OperatorSequence, "publish", params,
		ast.NewAtomic("make"),
		ast.NewAtomic("make test"),
	)
	var bound map[string]string
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "publish" {
			bound = map[string]string{}
			for _, name := range []string{"build", "tests", "report"} {
				bound[name], _ = env.LookupString(name)
			}
		}
		return "out:" + task, nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	if _, err := e.Eval(context.Background(), node, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"build": "out:make", "tests": "out:make test", "report": "junit"}
	if diff := cmp.Diff(want, bound); diff != "" {
		t.Errorf("apply bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Eval_ReparseNode(t *testing.T) {
	node := ast.NewAtomic("regenerate the deploy step",
		workflowv1.Param{Name: compiler.ParamOriginalTask, Value: "deploy"})
	node.Operator.Type = workflowv1.OperatorReparse

	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "regenerate the deploy step" {
			return "type: atomic\ndescription: deploy --dry-run\n", nil
		}
		return "ok:" + task, nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	got, err := e.Eval(context.Background(), node, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok:deploy --dry-run" {
		t.Errorf("unexpected result %v", got)
	}
	if reparser.compiled != 1 {
		t.Errorf("expected one compiled document, got %d", reparser.compiled)
	}
	if reparser.Count() != 0 {
		t.Errorf("reparse node should not call Reparse, got %d", reparser.Count())
	}
}

func TestEvaluator_Eval_ReparseNodeExhausted(t *testing.T) {
	node := ast.NewAtomic("regenerate", workflowv1.Param{Name: compiler.ParamOriginalTask, Value: "deploy"})
	node.Operator.Type = workflowv1.OperatorReparse
	exec := &MockExecutor{}
	e := New(&MockReparser{}, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), node, nil, 3)
	xerr, ok := failure.As(err)
	if !ok || xerr.Kind != failure.KindMaxReparseExceeded {
		t.Fatalf("expected MaxReparseExceeded, got %v", err)
	}
	if xerr.Task != "deploy" || xerr.Attempts != 3 {
		t.Errorf("unexpected error fields: task=%q attempts=%d", xerr.Task, xerr.Attempts)
	}
	if len(exec.Calls()) != 0 {
		t.Errorf("no execution expected, got %v", exec.Calls())
	}
}

func TestEvaluator_Eval_ReparseErrorIsTerminal(t *testing.T) {
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		return nil, transient(task)
	}}
	reparser := &MockReparser{err: failure.New(failure.KindResourceExhaustion, "deploy", "translator timed out")}
	e := New(reparser, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), nil, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	if failure.IsRetryable(err) {
		t.Error("reparse errors must not be retried by enclosing frames")
	}
	if reparser.Count() != 1 {
		t.Errorf("expected one reparse call, got %d", reparser.Count())
	}
}

func TestEvaluator_Eval_CancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, failure.Wrap(failure.KindExecutionFailure, task, ctx.Err())
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	_, err := e.Eval(ctx, ast.NewAtomic("long task"), nil, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if reparser.Count() != 0 {
		t.Errorf("cancellation must not trigger reparse, got %d calls", reparser.Count())
	}
}

func TestEvaluator_Eval_TimeoutIsResourceExhaustion(t *testing.T) {
	var calls atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "fast", nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, Config{ExecuteTimeout: 10 * time.Millisecond})

	got, err := e.Eval(context.Background(), ast.NewAtomic("slow"), nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fast" {
		t.Errorf("expected replacement result, got %v", got)
	}
	if diff := cmp.Diff([]failure.Kind{failure.KindResourceExhaustion}, reparser.kinds); diff != "" {
		t.Errorf("reparse kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Eval_PlainErrorIsExecutionFailure(t *testing.T) {
	var calls atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}}
	reparser := &MockReparser{}
	e := New(reparser, exec, DefaultConfig())

	if _, err := e.Eval(context.Background(), ast.NewAtomic("fetch"), nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]failure.Kind{failure.KindExecutionFailure}, reparser.kinds); diff != "" {
		t.Errorf("reparse kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Eval_MalformedBeforeExecution(t *testing.T) {
	exec := &MockExecutor{}

	_, err := taskstructure.Compile([]byte(`
type: sequence
description: build and test
subtasks:
  - type: atomic
    description: run build
  - type: atomic
`))
	if !errors.Is(err, failure.ErrMalformedTaskStructure) {
		t.Fatalf("expected MalformedTaskStructure, got %v", err)
	}
	if len(exec.Calls()) != 0 {
		t.Errorf("no execution expected, got %v", exec.Calls())
	}
}

func TestEvaluator_Eval_MaxNesting(t *testing.T) {
	node := ast.NewAtomic("leaf")
	for i := 0; i < 5; i++ {
		node = ast.NewCompound(workflowv1.OperatorSequence, fmt.Sprintf("level %d", i), nil, node)
	}
	exec := &MockExecutor{}
	e := New(&MockReparser{}, exec, Config{MaxNesting: 3})

	_, err := e.Eval(context.Background(), node, nil, 0)
	if !errors.Is(err, failure.ErrMalformedTaskStructure) {
		t.Fatalf("expected MalformedTaskStructure, got %v", err)
	}
	if len(exec.Calls()) != 0 {
		t.Errorf("no execution expected, got %v", exec.Calls())
	}
}

func TestEvaluator_Eval_NestingCheckedBeforeExecution(t *testing.T) {
	deep := ast.NewAtomic("leaf")
	for i := 0; i <= ast.MaxNesting; i++ {
		deep = ast.NewCompound(workflowv1.OperatorSequence, fmt.Sprintf("level %d", i), nil, deep)
	}
	node := ast.NewCompound(workflowv1.OperatorSequence, "deploy", nil, ast.NewAtomic("side effect"), deep)
	exec := &MockExecutor{}
	e := New(&MockReparser{}, exec, DefaultConfig())

	_, err := e.Eval(context.Background(), node, nil, 0)
	if !errors.Is(err, failure.ErrMalformedTaskStructure) {
		t.Fatalf("expected MalformedTaskStructure, got %v", err)
	}
	if len(exec.Calls()) != 0 {
		t.Errorf("no execution expected, got %v", exec.Calls())
	}
}

func TestEvaluator_Eval_DeepReplacementRejected(t *testing.T) {
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if task == "deploy" {
			return nil, transient(task)
		}
		return "ok", nil
	}}
	reparser := &MockReparser{next: func(n int, failedTask string) *ast.Node {
		deep := ast.NewAtomic("leaf")
		for i := 0; i < 3; i++ {
			deep = ast.NewCompound(workflowv1.OperatorSequence, "wrap", nil, deep)
		}
		return ast.NewCompound(workflowv1.OperatorSequence, "replacement", nil, ast.NewAtomic("side effect"), deep)
	}}
	e := New(reparser, exec, Config{MaxNesting: 3})

	_, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), nil, 0)
	if !errors.Is(err, failure.ErrMalformedTaskStructure) {
		t.Fatalf("expected MalformedTaskStructure, got %v", err)
	}
	if diff := cmp.Diff([]string{"deploy"}, exec.Calls()); diff != "" {
		t.Errorf("replacement must not run (-want +got):\n%s", diff)
	}
	if reparser.Count() != 1 {
		t.Errorf("expected a single reparse, got %d", reparser.Count())
	}
}

func TestEvaluator_Eval_Observer(t *testing.T) {
	var mu sync.Mutex
	var states []workflowv1.NodeState
	observer := ObserverFunc(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, tr.To)
	})

	var calls atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if calls.Add(1) == 1 {
			return nil, transient(task)
		}
		return "ok", nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig(), WithObserver(observer))

	if _, err := e.Eval(context.Background(), ast.NewAtomic("deploy"), nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []workflowv1.NodeState{
		workflowv1.NodeExecuting,
		workflowv1.NodeFailed,
		workflowv1.NodeReparsing,
		workflowv1.NodeExecuting,
		workflowv1.NodeSucceeded,
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_Run_Report(t *testing.T) {
	var calls atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		if calls.Add(1) == 1 {
			return nil, transient(task)
		}
		return "ok", nil
	}}
	e := New(&MockReparser{}, exec, DefaultConfig())

	report, err := e.Run(context.Background(), ast.NewAtomic("deploy"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.RunID == "" {
		t.Error("run id should be set")
	}
	if diff := cmp.Diff(Stats{Executions: 2, Reparses: 1, Failures: 1}, report.Stats); diff != "" {
		t.Errorf("report stats mismatch (-want +got):\n%s", diff)
	}

	// Cumulative stats cover every run
	if _, err := e.Run(context.Background(), ast.NewAtomic("again"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Stats().Executions != 3 {
		t.Errorf("expected 3 cumulative executions, got %d", e.Stats().Executions)
	}
}

func TestEvaluator_MaxActiveTasks(t *testing.T) {
	var current, peak atomic.Int32
	exec := &MockExecutor{handler: func(ctx context.Context, task string, env *environment.Environment) (any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return task, nil
	}}
	node := ast.NewCompound(workflowv1.OperatorMap, "collect", nil,
		ast.NewAtomic("a"), ast.NewAtomic("b"), ast.NewAtomic("c"), ast.NewAtomic("d"),
	)
	e := New(&MockReparser{}, exec, Config{MapParallelism: 4, MaxActiveTasks: 1})

	if _, err := e.Eval(context.Background(), node, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("expected at most one concurrent execution, saw %d", peak.Load())
	}
}
