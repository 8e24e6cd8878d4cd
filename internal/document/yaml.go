package document

import (
	"fmt"

	"gopkg.in/yaml.v3"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/failure"
)

// rootKey is an optional wrapper key around the root element
const rootKey = "task"

type yamlNode struct {
	node *yaml.Node
	path string
}

// DecodeYAML parses a YAML or JSON document
func DecodeYAML(raw []byte) (Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, failure.Malformed("", "yaml parse error: %v", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, failure.Malformed(rootKey, "document root must be a mapping")
	}

	// Accept {task: {...}} as well as the bare element
	if len(root.Content) == 2 && root.Content[0].Value == rootKey && root.Content[1].Kind == yaml.MappingNode {
		root = root.Content[1]
	}
	return &yamlNode{node: root, path: rootKey}, nil
}

func (n *yamlNode) Path() string { return n.path }

func (n *yamlNode) lookup(name string) *yaml.Node {
	for i := 0; i+1 < len(n.node.Content); i += 2 {
		if n.node.Content[i].Value == name {
			return n.node.Content[i+1]
		}
	}
	return nil
}

func isNull(v *yaml.Node) bool {
	return v == nil || (v.Kind == yaml.ScalarNode && v.Tag == "!!null")
}

func (n *yamlNode) Field(name string) (string, bool, error) {
	v := n.lookup(name)
	if isNull(v) {
		return "", false, nil
	}
	if v.Kind != yaml.ScalarNode {
		return "", false, failure.Malformed(n.path+"."+name, "expected a scalar value")
	}
	return v.Value, true, nil
}

func (n *yamlNode) Entries(name string) ([]workflowv1.Param, error) {
	v := n.lookup(name)
	if isNull(v) {
		return nil, nil
	}
	path := n.path + "." + name

	switch v.Kind {
	case yaml.MappingNode:
		params := make([]workflowv1.Param, 0, len(v.Content)/2)
		for i := 0; i+1 < len(v.Content); i += 2 {
			key, val := v.Content[i], v.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return nil, failure.Malformed(path+"."+key.Value, "parameter values must be scalars")
			}
			params = append(params, workflowv1.Param{Name: key.Value, Value: val.Value})
		}
		return params, nil
	case yaml.SequenceNode:
		// [{name: x, value: y}] form
		params := make([]workflowv1.Param, 0, len(v.Content))
		for i, item := range v.Content {
			entry := &yamlNode{node: item, path: fmt.Sprintf("%s[%d]", path, i)}
			if item.Kind != yaml.MappingNode {
				return nil, failure.Malformed(entry.path, "expected a {name, value} mapping")
			}
			pname, err := Required(entry, "name")
			if err != nil {
				return nil, err
			}
			value, _, err := entry.Field("value")
			if err != nil {
				return nil, err
			}
			params = append(params, workflowv1.Param{Name: pname, Value: value})
		}
		return params, nil
	default:
		return nil, failure.Malformed(path, "expected a mapping of named values")
	}
}

func (n *yamlNode) Children(name string) ([]Node, error) {
	v := n.lookup(name)
	if isNull(v) {
		return nil, nil
	}
	path := n.path + "." + name
	if v.Kind != yaml.SequenceNode {
		return nil, failure.Malformed(path, "expected a list")
	}

	children := make([]Node, 0, len(v.Content))
	for i, item := range v.Content {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		if item.Kind != yaml.MappingNode {
			return nil, failure.Malformed(childPath, "expected a mapping")
		}
		children = append(children, &yamlNode{node: item, path: childPath})
	}
	return children, nil
}
