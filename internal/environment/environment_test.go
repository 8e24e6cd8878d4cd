package environment

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	workflowv1 "github.com/kination/helmsman/api/v1"
)

func TestEnvironment_LookupFromParent(t *testing.T) {
	root := New(map[string]any{"repo": "helmsman"})
	child := root.With(map[string]any{"branch": "main"})

	val, ok := child.Lookup("repo")
	if !ok {
		t.Fatal("Lookup() failed, repo not found in parent scope")
	}
	if val != "helmsman" {
		t.Errorf("Lookup() returned wrong value. want=%q, got=%v", "helmsman", val)
	}
}

func TestEnvironment_ChildShadowsParent(t *testing.T) {
	root := New(map[string]any{"target": "outer"})
	child := root.With(map[string]any{"target": "inner"})

	if val, _ := child.Lookup("target"); val != "inner" {
		t.Errorf("child lookup = %v, want inner", val)
	}
	if val, _ := root.Lookup("target"); val != "outer" {
		t.Errorf("parent lookup = %v, want outer (parent must be untouched)", val)
	}
}

func TestEnvironment_LookupMissing(t *testing.T) {
	env := New(nil).With(nil)
	if _, ok := env.Lookup("nope"); ok {
		t.Error("Lookup() should fail for an unbound name")
	}
}

func TestEnvironment_Extend(t *testing.T) {
	root := New(nil)
	params := []workflowv1.Param{
		{Name: "first", Value: "default-1"},
		{Name: "second", Value: "default-2"},
		{Name: "third", Value: "default-3"},
	}

	env := root.Extend(params, []any{"a", 42})

	if val, _ := env.Lookup("first"); val != "a" {
		t.Errorf("first = %v, want a", val)
	}
	if val, _ := env.Lookup("second"); val != 42 {
		t.Errorf("second = %v, want 42", val)
	}
	if val, _ := env.Lookup("third"); val != "default-3" {
		t.Errorf("third = %v, want declared default", val)
	}
	if env.Parent() != root {
		t.Error("Extend must create a child of the receiver")
	}
	if env.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", env.Depth())
	}
}

func TestEnvironment_NamesAndVars(t *testing.T) {
	env := New(map[string]any{"b": 1, "a": "x"}).With(map[string]any{"b": 2, "c": []any{"l1", "l2"}})

	if diff := cmp.Diff([]string{"a", "b", "c"}, env.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	want := map[string]string{"a": "x", "b": "2", "c": "l1\nl2"}
	if diff := cmp.Diff(want, env.Vars()); diff != "" {
		t.Errorf("Vars() mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_CopiesBindings(t *testing.T) {
	bindings := map[string]any{"k": "v"}
	env := New(bindings)
	bindings["k"] = "changed"

	if val, _ := env.LookupString("k"); val != "v" {
		t.Errorf("root scope must not alias the caller's map, got %q", val)
	}
}
