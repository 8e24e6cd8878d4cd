package v1

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// OperatorType defines how a node and its children are evaluated
type OperatorType string

const (
	OperatorAtomic   OperatorType = "atomic"
	OperatorReparse  OperatorType = "reparse"
	OperatorMap      OperatorType = "map"
	OperatorReduce   OperatorType = "reduce"
	OperatorSequence OperatorType = "sequence"
)

// OperatorTypes lists every operator type in declaration order.
var OperatorTypes = []OperatorType{
	OperatorAtomic,
	OperatorReparse,
	OperatorMap,
	OperatorReduce,
	OperatorSequence,
}

// ParseOperatorType maps a type tag to an OperatorType. An empty tag is atomic.
func ParseOperatorType(tag string) (OperatorType, bool) {
	switch OperatorType(tag) {
	case "":
		return OperatorAtomic, true
	case OperatorAtomic, OperatorReparse, OperatorMap, OperatorReduce, OperatorSequence:
		return OperatorType(tag), true
	default:
		return "", false
	}
}

// IsLeaf reports whether nodes of this type must not own children.
// atomic and reparse nodes are leaves; map, reduce and sequence require children.
func (t OperatorType) IsLeaf() bool {
	switch t {
	case OperatorAtomic, OperatorReparse:
		return true
	default:
		return false
	}
}

// NodeState represents the lifecycle state of a node while it is evaluated.
type NodeState string

const (
	NodePending           NodeState = "Pending"
	NodeExecuting         NodeState = "Executing"
	NodeSucceeded         NodeState = "Succeeded"
	NodeFailed            NodeState = "Failed"
	NodeReparsing         NodeState = "Reparsing"
	NodePermanentlyFailed NodeState = "PermanentlyFailed"
)

// IsTerminal reports whether no further transition can leave the state
func (s NodeState) IsTerminal() bool {
	return s == NodeSucceeded || s == NodePermanentlyFailed
}

// Param is a named parameter value. Parameter lists keep declaration order.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered parameter list, serialized as a mapping.
type Params []Param

// Get returns the value of the first parameter named name
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// MarshalJSON writes the parameters as an object, keeping declaration order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(param.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(param.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping key order, or a list of {name, value}.
func (p *Params) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Param
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*p = list
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if tok, err := dec.Token(); err != nil {
		return err
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("parameters must be an object or a list, got %v", tok)
	}

	var out Params
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		out = append(out, Param{Name: name, Value: value})
	}
	*p = out
	return nil
}

// MarshalYAML writes the parameters as a mapping node, keeping declaration order.
func (p Params) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, param := range p {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: param.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: param.Value},
		)
	}
	return node, nil
}

// TaskDocument is the structured task document exchanged with translation
// collaborators. Subtasks are present only for map, reduce and sequence.
type TaskDocument struct {
	Type        OperatorType   `json:"type,omitempty" yaml:"type,omitempty"`
	Description string         `json:"description" yaml:"description"`
	Parameters  Params         `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Subtasks    []TaskDocument `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}
