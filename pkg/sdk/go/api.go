// Package sdk builds task documents and Plan manifests from Go code.
package sdk

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/taskstructure"
)

// PlanNameEnv overrides the Plan name chosen by Serve
const PlanNameEnv = "HELMSMAN_PLAN_NAME"

// Task is a node of a task document under construction
type Task struct {
	doc workflowv1.TaskDocument
}

// Atomic creates a leaf task executed directly by a backend
func Atomic(description string) *Task {
	return &Task{doc: workflowv1.TaskDocument{Type: workflowv1.OperatorAtomic, Description: description}}
}

// Sequence creates a task whose steps run in order, each seeing the results before it
func Sequence(description string, steps ...*Task) *Task {
	return compound(workflowv1.OperatorSequence, description, steps)
}

// Map creates a task whose items run independently
func Map(description string, items ...*Task) *Task {
	return compound(workflowv1.OperatorMap, description, items)
}

// Reduce creates a task folding its items in declaration order
func Reduce(description string, items ...*Task) *Task {
	return compound(workflowv1.OperatorReduce, description, items)
}

func compound(typ workflowv1.OperatorType, description string, children []*Task) *Task {
	t := &Task{doc: workflowv1.TaskDocument{Type: typ, Description: description}}
	for _, c := range children {
		t.doc.Subtasks = append(t.doc.Subtasks, c.Document())
	}
	return t
}

// With declares a parameter. Declaration order is kept.
func (t *Task) With(name, value string) *Task {
	t.doc.Parameters = append(t.doc.Parameters, workflowv1.Param{Name: name, Value: value})
	return t
}

// On selects the execution backend for this task
func (t *Task) On(backend string) *Task {
	return t.With("executor", backend)
}

// Document returns a copy of the task document
func (t *Task) Document() workflowv1.TaskDocument {
	return copyDocument(t.doc)
}

// Compile checks the document the way the engine will and returns its AST
func (t *Task) Compile() (*ast.Node, error) {
	raw, err := t.YAML()
	if err != nil {
		return nil, err
	}
	return taskstructure.Compile(raw)
}

// YAML encodes the task document
func (t *Task) YAML() ([]byte, error) {
	return yaml.Marshal(t.doc)
}

// JSON encodes the task document
func (t *Task) JSON() ([]byte, error) {
	return json.MarshalIndent(t.doc, "", "  ")
}

// Plan wraps the task document in a Plan resource
func (t *Task) Plan(name string) (*workflowv1.Plan, error) {
	if _, err := t.Compile(); err != nil {
		return nil, err
	}
	raw, err := t.YAML()
	if err != nil {
		return nil, err
	}
	return &workflowv1.Plan{
		TypeMeta: metav1.TypeMeta{
			APIVersion: workflowv1.GroupVersion.String(),
			Kind:       "Plan",
		},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       workflowv1.PlanSpec{Document: string(raw)},
	}, nil
}

// WritePlan writes the Plan as indented JSON
func (t *Task) WritePlan(w io.Writer, name string) error {
	plan, err := t.Plan(name)
	if err != nil {
		return err
	}
	output, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

// Serve prints the Plan manifest for this program to stdout and exits on error.
// The Plan is named after the program unless HELMSMAN_PLAN_NAME is set.
func (t *Task) Serve() {
	name := os.Getenv(PlanNameEnv)
	if name == "" {
		name = programName()
	}
	if err := t.WritePlan(os.Stdout, name); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating plan: %v\n", err)
		os.Exit(1)
	}
}

func programName() string {
	base := filepath.Base(os.Args[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ToLower(strings.ReplaceAll(base, "_", "-"))
}

func copyDocument(doc workflowv1.TaskDocument) workflowv1.TaskDocument {
	out := doc
	if doc.Parameters != nil {
		out.Parameters = append(workflowv1.Params(nil), doc.Parameters...)
	}
	if doc.Subtasks != nil {
		out.Subtasks = make([]workflowv1.TaskDocument, len(doc.Subtasks))
		for i, sub := range doc.Subtasks {
			out.Subtasks[i] = copyDocument(sub)
		}
	}
	return out
}
