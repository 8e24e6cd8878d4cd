// Package store provides storage interfaces for run history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/failure"
)

// ErrNotFound is returned when a run ID is not stored
var ErrNotFound = errors.New("run not found")

// Store defines the interface for run persistence.
type Store interface {
	// SaveRun stores a finished run, replacing one with the same ID
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns the run with the given ID or ErrNotFound
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns stored runs, most recently finished first
	ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error)

	// Close releases resources
	Close() error
}

// ListOptions defines options for listing operations
type ListOptions struct {
	// Limit is the maximum number of items to return, 0 for all
	Limit int
	// Offset is the number of items to skip
	Offset int
	// State filters by final state
	State workflowv1.NodeState
}

// Run represents one finished evaluation
type Run struct {
	ID         string                   `json:"id"`
	Query      string                   `json:"query,omitempty"`
	State      workflowv1.NodeState     `json:"state"`
	Result     string                   `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorKind  failure.Kind             `json:"errorKind,omitempty"`
	Executions int64                    `json:"executions"`
	Reparses   int64                    `json:"reparses"`
	Duration   string                   `json:"duration"`
	Plan       *workflowv1.TaskDocument `json:"plan,omitempty"`
	FinishedAt time.Time                `json:"finishedAt"`
}

// StoreConfig holds configuration for creating a store
type StoreConfig struct {
	// Type is the store backend type
	Type StoreType `yaml:"type" json:"type"`
	// Capacity is the number of runs kept before the oldest is evicted
	Capacity int `yaml:"capacity" json:"capacity"`
}

// StoreType defines the type of store backend
type StoreType string

const (
	// StoreTypeMemory keeps runs in process memory
	StoreTypeMemory StoreType = "memory"
)

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:     StoreTypeMemory,
		Capacity: 100,
	}
}

// New creates the store selected by cfg
func New(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(cfg.Capacity), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
