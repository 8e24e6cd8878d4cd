// Package taskstructure converts structured task documents into the
// intermediate TaskStructure tree and from there into an AST.
package taskstructure

import (
	"fmt"
	"strings"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/document"
	"github.com/kination/helmsman/internal/failure"
)

// Document field names
const (
	FieldType        = "type"
	FieldDescription = "description"
	FieldParameters  = "parameters"
	FieldSubtasks    = "subtasks"
)

// TaskStructure mirrors one element of a task document.
type TaskStructure struct {
	Type        workflowv1.OperatorType
	Description string
	Parameters  workflowv1.Params
	Subtasks    []*TaskStructure // nil for leaf types
}

// Parse reads doc into a TaskStructure, validating its shape per task type.
func Parse(doc document.Node) (*TaskStructure, error) {
	tag, _, err := doc.Field(FieldType)
	if err != nil {
		return nil, err
	}
	typ, ok := workflowv1.ParseOperatorType(strings.TrimSpace(tag))
	if !ok {
		return nil, failure.UnknownOperator(doc.Path(), tag)
	}

	description, err := document.Required(doc, FieldDescription)
	if err != nil {
		return nil, err
	}

	params, err := doc.Entries(FieldParameters)
	if err != nil {
		return nil, err
	}

	children, err := doc.Children(FieldSubtasks)
	if err != nil {
		return nil, err
	}

	ts := &TaskStructure{
		Type:        typ,
		Description: description,
		Parameters:  params,
	}

	if typ.IsLeaf() {
		if len(children) > 0 {
			return nil, failure.Malformed(doc.Path(), "%s task cannot declare subtasks", typ)
		}
		return ts, nil
	}

	ts.Subtasks = make([]*TaskStructure, 0, len(children))
	for _, child := range children {
		sub, err := Parse(child)
		if err != nil {
			return nil, err
		}
		ts.Subtasks = append(ts.Subtasks, sub)
	}
	return ts, nil
}

// ToAST converts ts into an AST, preserving subtask declaration order.
func ToAST(ts *TaskStructure) (*ast.Node, error) {
	return toAST(ts, "task", 0)
}

func toAST(ts *TaskStructure, path string, level int) (*ast.Node, error) {
	if ts == nil {
		return nil, failure.Malformed(path, "nil task structure")
	}
	if level > ast.MaxNesting {
		return nil, failure.Malformed(path, "nesting exceeds %d levels", ast.MaxNesting)
	}
	if strings.TrimSpace(ts.Description) == "" {
		return nil, failure.Malformed(path, "missing required field %q", FieldDescription)
	}

	node := &ast.Node{Operator: ast.Operator{
		Type:   ts.Type,
		Task:   ts.Description,
		Params: ts.Parameters,
	}}

	switch ts.Type {
	case workflowv1.OperatorAtomic, workflowv1.OperatorReparse:
		if len(ts.Subtasks) > 0 {
			return nil, failure.Malformed(path, "%s task cannot have %d subtasks", ts.Type, len(ts.Subtasks))
		}
		return node, nil
	case workflowv1.OperatorMap, workflowv1.OperatorReduce, workflowv1.OperatorSequence:
		if len(ts.Subtasks) == 0 {
			return nil, failure.Malformed(path, "%s task requires at least one subtask", ts.Type)
		}
	default:
		return nil, failure.UnknownOperator(path, string(ts.Type))
	}

	node.Args = make([]*ast.Node, 0, len(ts.Subtasks))
	for i, sub := range ts.Subtasks {
		child, err := toAST(sub, fmt.Sprintf("%s.subtask[%d]", path, i), level+1)
		if err != nil {
			return nil, err
		}
		node.Args = append(node.Args, child)
	}
	return node, nil
}

// Compile decodes raw, parses it and converts it to an AST.
func Compile(raw []byte) (*ast.Node, error) {
	doc, err := document.Decode(raw)
	if err != nil {
		return nil, err
	}
	ts, err := Parse(doc)
	if err != nil {
		return nil, err
	}
	return ToAST(ts)
}
