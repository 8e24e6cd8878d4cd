package evaluator

import (
	workflowv1 "github.com/kination/helmsman/api/v1"
)

// Transition records one node state change
type Transition struct {
	Path  string
	Task  string
	Type  workflowv1.OperatorType
	Depth int
	From  workflowv1.NodeState
	To    workflowv1.NodeState
	Err   error
}

// Observer receives node transitions. Children of map nodes run concurrently,
// so implementations must be safe for concurrent use.
type Observer interface {
	Observe(Transition)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Transition)

// Observe calls f
func (f ObserverFunc) Observe(t Transition) {
	f(t)
}
