// Package environment provides the chained binding scopes visible during evaluation.
package environment

import (
	"fmt"
	"sort"
	"strings"

	workflowv1 "github.com/kination/helmsman/api/v1"
)

// Environment is one scope in a chain. A scope is never modified after it is
// created; new bindings always go into a new child scope.
type Environment struct {
	vars   map[string]any
	parent *Environment
}

// New creates a root scope holding a copy of bindings
func New(bindings map[string]any) *Environment {
	vars := make(map[string]any, len(bindings))
	for k, v := range bindings {
		vars[k] = v
	}
	return &Environment{vars: vars}
}

// FromStrings creates a root scope from string bindings
func FromStrings(bindings map[string]string) *Environment {
	vars := make(map[string]any, len(bindings))
	for k, v := range bindings {
		vars[k] = v
	}
	return &Environment{vars: vars}
}

// Extend creates a child scope binding each declared parameter to the argument
// at the same position. Parameters without an argument keep their declared value.
func (e *Environment) Extend(params []workflowv1.Param, args []any) *Environment {
	vars := make(map[string]any, len(params))
	for i, p := range params {
		if i < len(args) {
			vars[p.Name] = args[i]
		} else {
			vars[p.Name] = p.Value
		}
	}
	return &Environment{vars: vars, parent: e}
}

// With creates a child scope holding bindings
func (e *Environment) With(bindings map[string]any) *Environment {
	child := New(bindings)
	child.parent = e
	return child
}

// Lookup resolves name in the nearest scope that binds it
func (e *Environment) Lookup(name string) (any, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// LookupString resolves name and formats the value as a string
func (e *Environment) LookupString(name string) (string, bool) {
	v, ok := e.Lookup(name)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// Parent returns the enclosing scope, nil for a root
func (e *Environment) Parent() *Environment {
	return e.parent
}

// Depth returns the number of scopes between e and the root
func (e *Environment) Depth() int {
	depth := 0
	for scope := e.parent; scope != nil; scope = scope.parent {
		depth++
	}
	return depth
}

// Names returns every visible name, sorted
func (e *Environment) Names() []string {
	seen := make(map[string]struct{})
	for scope := e; scope != nil; scope = scope.parent {
		for name := range scope.vars {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vars flattens every visible binding to its string form, child scopes winning.
func (e *Environment) Vars() map[string]string {
	out := make(map[string]string)
	for _, name := range e.Names() {
		v, _ := e.Lookup(name)
		out[name] = Format(v)
	}
	return out
}

// Format renders a bound value for collaborators that only accept text
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Format(item)
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(val)
	}
}
