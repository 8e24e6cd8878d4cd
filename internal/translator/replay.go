package translator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrExhausted is returned once a Replay has served every document
var ErrExhausted = errors.New("no recorded documents left")

// Replay serves recorded documents in order, one per call. The first call
// usually answers the query, later calls answer reparse prompts.
type Replay struct {
	mu        sync.Mutex
	documents [][]byte
	prompts   []string
}

// NewReplay creates a Replay serving documents
func NewReplay(documents ...[]byte) *Replay {
	return &Replay{documents: documents}
}

// LoadReplay reads each path into a Replay
func LoadReplay(paths ...string) (*Replay, error) {
	documents := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read document error: %w", err)
		}
		documents = append(documents, data)
	}
	return NewReplay(documents...), nil
}

// Translate returns the next recorded document
func (r *Replay) Translate(ctx context.Context, prompt string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prompts = append(r.prompts, prompt)
	if len(r.documents) == 0 {
		return nil, ErrExhausted
	}
	next := r.documents[0]
	r.documents = r.documents[1:]
	return UnwrapFenced(next), nil
}

// Prompts returns every prompt received so far
func (r *Replay) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// Remaining returns the number of documents not yet served
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.documents)
}
