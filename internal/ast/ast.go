// Package ast defines the executable operation tree produced by compilation.
package ast

import (
	"fmt"
	"strings"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/failure"
)

// MaxNesting is the deepest level a compiled tree may reach. The root is level 0.
const MaxNesting = 32

// Operator is the instruction attached to a node
type Operator struct {
	Type   workflowv1.OperatorType
	Task   string
	Params workflowv1.Params
}

// Param returns the value of the named parameter
func (o Operator) Param(name string) (string, bool) {
	return o.Params.Get(name)
}

// Node is an operator plus the children it exclusively owns.
// Nodes are not modified after construction; use Clone to derive a variant.
type Node struct {
	Operator Operator
	Args     []*Node
}

// NewAtomic creates a leaf node
func NewAtomic(task string, params ...workflowv1.Param) *Node {
	return &Node{Operator: Operator{Type: workflowv1.OperatorAtomic, Task: task, Params: params}}
}

// NewCompound creates a map, reduce or sequence node owning args
func NewCompound(typ workflowv1.OperatorType, task string, params workflowv1.Params, args ...*Node) *Node {
	return &Node{Operator: Operator{Type: typ, Task: task, Params: params}, Args: args}
}

// Validate checks the arity and nesting invariants of the whole tree.
func (n *Node) Validate() error {
	return n.validate("task", 0)
}

func (n *Node) validate(path string, level int) error {
	if n == nil {
		return failure.Malformed(path, "nil node")
	}
	if level > MaxNesting {
		return failure.Malformed(path, "nesting exceeds %d levels", MaxNesting)
	}
	if strings.TrimSpace(n.Operator.Task) == "" {
		return failure.Malformed(path, "missing task description")
	}

	switch n.Operator.Type {
	case workflowv1.OperatorAtomic:
		if len(n.Args) > 0 {
			return failure.Malformed(path, "atomic task cannot have %d subtasks", len(n.Args))
		}
	case workflowv1.OperatorReparse:
		for _, arg := range n.Args {
			if arg != nil && arg.Operator.Type == workflowv1.OperatorReparse {
				return failure.Malformed(path, "reparse task cannot own a reparse subtask")
			}
		}
		if len(n.Args) > 0 {
			return failure.Malformed(path, "reparse task cannot have %d subtasks", len(n.Args))
		}
	case workflowv1.OperatorMap, workflowv1.OperatorReduce, workflowv1.OperatorSequence:
		if len(n.Args) == 0 {
			return failure.Malformed(path, "%s task requires at least one subtask", n.Operator.Type)
		}
	default:
		return failure.UnknownOperator(path, string(n.Operator.Type))
	}

	for i, arg := range n.Args {
		if err := arg.validate(fmt.Sprintf("%s.subtask[%d]", path, i), level+1); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep copies the tree
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Operator: n.Operator}
	if n.Operator.Params != nil {
		out.Operator.Params = append(workflowv1.Params(nil), n.Operator.Params...)
	}
	if n.Args != nil {
		out.Args = make([]*Node, len(n.Args))
		for i, arg := range n.Args {
			out.Args[i] = arg.Clone()
		}
	}
	return out
}

// Size returns the number of nodes in the tree
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	size := 1
	for _, arg := range n.Args {
		size += arg.Size()
	}
	return size
}

// Height returns the number of levels below n. A leaf has height 0.
func (n *Node) Height() int {
	if n == nil {
		return 0
	}
	height := 0
	for _, arg := range n.Args {
		if h := arg.Height() + 1; h > height {
			height = h
		}
	}
	return height
}

// Walk visits nodes depth-first in declaration order. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(path string, node *Node) bool) {
	n.walk("task", fn)
}

func (n *Node) walk(path string, fn func(string, *Node) bool) {
	if n == nil || !fn(path, n) {
		return
	}
	for i, arg := range n.Args {
		arg.walk(fmt.Sprintf("%s.subtask[%d]", path, i), fn)
	}
}

// Document converts the tree back to its wire form
func (n *Node) Document() workflowv1.TaskDocument {
	doc := workflowv1.TaskDocument{
		Type:        n.Operator.Type,
		Description: n.Operator.Task,
		Parameters:  n.Operator.Params,
	}
	for _, arg := range n.Args {
		doc.Subtasks = append(doc.Subtasks, arg.Document())
	}
	return doc
}

// String renders the tree one node per line, children indented
func (n *Node) String() string {
	var b strings.Builder
	n.print(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (n *Node) print(b *strings.Builder, indent int) {
	fmt.Fprintf(b, "%s(%s) %s", strings.Repeat("  ", indent), n.Operator.Type, n.Operator.Task)
	for _, p := range n.Operator.Params {
		fmt.Fprintf(b, " %s=%q", p.Name, p.Value)
	}
	b.WriteByte('\n')
	for _, arg := range n.Args {
		arg.print(b, indent+1)
	}
}
