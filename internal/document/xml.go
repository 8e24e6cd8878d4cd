package document

import (
	"encoding/xml"
	"fmt"
	"strings"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/failure"
)

// xmlElementNames maps list names to the repeated element that carries each item.
var xmlElementNames = map[string]string{
	"subtasks": "subtask",
	"params":   "param",
}

type xmlElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Text     string       `xml:",chardata"`
	Children []xmlElement `xml:",any"`
}

type xmlNode struct {
	el   *xmlElement
	path string
}

// DecodeXML parses an XML document. Scalars may be attributes or child elements.
func DecodeXML(raw []byte) (Node, error) {
	var root xmlElement
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, failure.Malformed("", "xml parse error: %v", err)
	}
	return &xmlNode{el: &root, path: root.XMLName.Local}, nil
}

func (n *xmlNode) Path() string { return n.path }

func (n *xmlNode) child(name string) *xmlElement {
	for i := range n.el.Children {
		if n.el.Children[i].XMLName.Local == name {
			return &n.el.Children[i]
		}
	}
	return nil
}

func (n *xmlNode) Field(name string) (string, bool, error) {
	for _, attr := range n.el.Attrs {
		if attr.Name.Local == name {
			return attr.Value, true, nil
		}
	}
	c := n.child(name)
	if c == nil {
		return "", false, nil
	}
	if len(c.Children) > 0 {
		return "", false, failure.Malformed(n.path+"."+name, "expected text content")
	}
	return strings.TrimSpace(c.Text), true, nil
}

func (n *xmlNode) Entries(name string) ([]workflowv1.Param, error) {
	c := n.child(name)
	if c == nil {
		return nil, nil
	}
	path := n.path + "." + name

	params := make([]workflowv1.Param, 0, len(c.Children))
	for i := range c.Children {
		item := &xmlNode{el: &c.Children[i], path: fmt.Sprintf("%s[%d]", path, i)}
		pname, ok, _ := item.Field("name")
		if !ok || pname == "" {
			return nil, failure.Malformed(item.path, "parameter without a name attribute")
		}
		params = append(params, workflowv1.Param{Name: pname, Value: strings.TrimSpace(item.el.Text)})
	}
	return params, nil
}

func (n *xmlNode) Children(name string) ([]Node, error) {
	elName := name
	if mapped, ok := xmlElementNames[name]; ok {
		elName = mapped
	}

	var children []Node
	for i := range n.el.Children {
		if n.el.Children[i].XMLName.Local != elName {
			continue
		}
		children = append(children, &xmlNode{
			el:   &n.el.Children[i],
			path: fmt.Sprintf("%s.%s[%d]", n.path, elName, len(children)),
		})
	}
	return children, nil
}
