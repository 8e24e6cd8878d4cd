// Package document abstracts structured task documents behind a small
// capability set, independent of the concrete serialization.
package document

import (
	"bytes"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/failure"
)

// Node is one element of a structured document.
type Node interface {
	// Path locates the element inside the document, for error messages
	Path() string

	// Field returns the scalar value stored under name. ok is false when absent.
	Field(name string) (value string, ok bool, err error)

	// Entries returns the named string values stored under name, in document order.
	Entries(name string) ([]workflowv1.Param, error)

	// Children returns the nested elements listed under name, in document order.
	Children(name string) ([]Node, error)
}

// Format identifies a document serialization
type Format string

const (
	FormatYAML Format = "yaml" // JSON documents are decoded as YAML
	FormatXML  Format = "xml"
)

// Detect guesses the serialization of raw from its first significant byte.
func Detect(raw []byte) Format {
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("<")) {
		return FormatXML
	}
	return FormatYAML
}

// Decode parses raw into the root element of a document
func Decode(raw []byte) (Node, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, failure.Malformed("", "empty document")
	}
	switch Detect(raw) {
	case FormatXML:
		return DecodeXML(raw)
	default:
		return DecodeYAML(raw)
	}
}

// Required returns the scalar field name, failing when it is absent or blank.
func Required(n Node, name string) (string, error) {
	value, ok, err := n.Field(name)
	if err != nil {
		return "", err
	}
	if !ok || len(bytes.TrimSpace([]byte(value))) == 0 {
		return "", failure.Malformed(n.Path(), "missing required field %q", name)
	}
	return value, nil
}
