// Package compiler builds ASTs from natural-language queries and regenerates
// failing subtrees through the translation collaborator.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/document"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/taskstructure"
	"github.com/kination/helmsman/internal/translator"
)

var log = ctrl.Log.WithName("compiler")

// Reparse operator parameter names
const (
	ParamOriginalTask = "original_task"
	ParamErrorType    = "error_type"
	ParamErrorDetails = "error_details"
	ParamBindings     = "bindings"
)

// Compiler turns queries and documents into ASTs.
type Compiler struct {
	translator       translator.Translator
	prompts          translator.PromptBuilder
	translateTimeout time.Duration
}

// Option configures a Compiler
type Option func(*Compiler)

// WithTranslateTimeout bounds each call to the translation collaborator
func WithTranslateTimeout(d time.Duration) Option {
	return func(c *Compiler) {
		c.translateTimeout = d
	}
}

// New creates a Compiler. A nil prompt builder selects DefaultPromptBuilder.
func New(t translator.Translator, prompts translator.PromptBuilder, opts ...Option) *Compiler {
	if prompts == nil {
		prompts = translator.DefaultPromptBuilder{}
	}
	c := &Compiler{translator: t, prompts: prompts}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap compiles a natural-language query into an AST.
func (c *Compiler) Bootstrap(ctx context.Context, query string) (*ast.Node, error) {
	if strings.TrimSpace(query) == "" {
		return nil, failure.Malformed("", "empty query")
	}

	raw, err := c.translate(ctx, "", query)
	if err != nil {
		return nil, fmt.Errorf("translate query: %w", err)
	}

	node, err := c.CompileDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	log.Info("Compiled query", "nodes", node.Size(), "root", node.Operator.Type)
	return node, nil
}

// CompileDocument decodes a structured task document into an AST.
func (c *Compiler) CompileDocument(raw []byte) (*ast.Node, error) {
	return taskstructure.Compile(translator.UnwrapFenced(raw))
}

// CompileOperator decodes a single operator description of the form
// {type, task, params, subtasks}. Subtasks are only checked for presence
// against the type's arity, not compiled.
func (c *Compiler) CompileOperator(raw []byte) (ast.Operator, error) {
	doc, err := document.Decode(raw)
	if err != nil {
		return ast.Operator{}, err
	}

	tag, _, err := doc.Field("type")
	if err != nil {
		return ast.Operator{}, err
	}
	if strings.TrimSpace(tag) == "" {
		return ast.Operator{}, failure.Malformed(doc.Path(), "missing required field %q", "type")
	}
	typ, ok := workflowv1.ParseOperatorType(strings.TrimSpace(tag))
	if !ok {
		return ast.Operator{}, failure.UnknownOperator(doc.Path(), tag)
	}

	task, err := document.Required(doc, "task")
	if err != nil {
		return ast.Operator{}, err
	}
	params, err := doc.Entries("params")
	if err != nil {
		return ast.Operator{}, err
	}
	subtasks, err := doc.Children("subtasks")
	if err != nil {
		return ast.Operator{}, err
	}

	switch typ {
	case workflowv1.OperatorAtomic, workflowv1.OperatorReparse:
		if len(subtasks) > 0 {
			return ast.Operator{}, failure.Malformed(doc.Path(), "%s operator cannot carry subtasks", typ)
		}
	case workflowv1.OperatorMap, workflowv1.OperatorReduce, workflowv1.OperatorSequence:
		if len(subtasks) == 0 {
			return ast.Operator{}, failure.Malformed(doc.Path(), "%s operator requires a subtask list", typ)
		}
	default:
		return ast.Operator{}, failure.UnknownOperator(doc.Path(), tag)
	}

	return ast.Operator{Type: typ, Task: task, Params: params}, nil
}

// ReparseOperator builds the operator describing a regeneration request.
// Its task is the prompt sent to the translation collaborator.
func (c *Compiler) ReparseOperator(failedTask string, err *failure.ExecutionError) ast.Operator {
	return c.reparseOperator(failedTask, err, nil)
}

func (c *Compiler) reparseOperator(failedTask string, err *failure.ExecutionError, bindings []string) ast.Operator {
	params := workflowv1.Params{{Name: ParamOriginalTask, Value: failedTask}}
	if err != nil {
		params = append(params,
			workflowv1.Param{Name: ParamErrorType, Value: string(err.Kind)},
			workflowv1.Param{Name: ParamErrorDetails, Value: err.Details},
		)
	}

	prompt := c.prompts.ReparsePrompt(failedTask, err)
	if len(bindings) > 0 {
		params = append(params, workflowv1.Param{Name: ParamBindings, Value: strings.Join(bindings, ",")})
		if scoped, ok := c.prompts.(translator.ScopedPromptBuilder); ok {
			prompt = scoped.ScopedReparsePrompt(failedTask, err, bindings)
		}
	}
	return ast.Operator{
		Type:   workflowv1.OperatorReparse,
		Task:   prompt,
		Params: params,
	}
}

// Reparse regenerates a replacement subtree for failedTask. It never executes
// anything and never counts attempts; the caller decides whether to retry.
// The returned node is never reparse-typed.
func (c *Compiler) Reparse(ctx context.Context, failedTask string, err *failure.ExecutionError, env *environment.Environment) (*ast.Node, error) {
	var names []string
	if env != nil {
		names = env.Names()
	}
	op := c.reparseOperator(failedTask, err, names)

	if err != nil {
		log.Info("Reparsing failed task", "task", failedTask, "kind", err.Kind)
	}
	raw, terr := c.translate(ctx, failedTask, op.Task)
	if terr != nil {
		return nil, fmt.Errorf("translate reparse prompt: %w", terr)
	}

	node, cerr := c.CompileDocument(raw)
	if cerr != nil {
		return nil, fmt.Errorf("compile reparse output: %w", cerr)
	}
	return normalize(node), nil
}

// normalize rewrites a reparse-typed root into an atomic node with the same
// task, so replacements never nest reparse requests.
func normalize(node *ast.Node) *ast.Node {
	if node.Operator.Type != workflowv1.OperatorReparse {
		return node
	}
	log.V(1).Info("Normalizing reparse-typed replacement", "task", node.Operator.Task)
	out := node.Clone()
	out.Operator.Type = workflowv1.OperatorAtomic
	return out
}

func (c *Compiler) translate(ctx context.Context, task, prompt string) ([]byte, error) {
	if c.translator == nil {
		return nil, errors.New("no translator configured")
	}
	if c.translateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.translateTimeout)
		defer cancel()
	}

	raw, err := c.translator.Translate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.KindResourceExhaustion, task, err)
		}
		return nil, err
	}
	return raw, nil
}
