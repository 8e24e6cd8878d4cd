// Package translator defines the translation collaborator, which turns natural
// language or a reparse prompt into a structured task document.
package translator

import (
	"bytes"
	"context"
)

// Translator converts a prompt into a structured task document.
type Translator interface {
	Translate(ctx context.Context, prompt string) ([]byte, error)
}

// Func adapts a function to the Translator interface
type Func func(ctx context.Context, prompt string) ([]byte, error)

// Translate calls f
func (f Func) Translate(ctx context.Context, prompt string) ([]byte, error) {
	return f(ctx, prompt)
}

// UnwrapFenced strips a surrounding ``` fence (with optional language tag)
// that models commonly wrap documents in.
func UnwrapFenced(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(s, []byte("```")) || !bytes.HasSuffix(s, []byte("```")) || len(s) < 6 {
		return s
	}
	s = s[3 : len(s)-3]
	// drop the language tag on the opening line
	if i := bytes.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return bytes.TrimSpace(s)
}
