// Package failure defines the error taxonomy shared by the compiler and the evaluator.
// Execution-level failures are retryable through reparse; structural failures are not.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an ExecutionError
type Kind string

const (
	KindResourceExhaustion     Kind = "ResourceExhaustion"
	KindVerificationFailure    Kind = "VerificationFailure"
	KindExecutionFailure       Kind = "ExecutionFailure"
	KindMalformedTaskStructure Kind = "MalformedTaskStructure"
	KindUnknownOperatorType    Kind = "UnknownOperatorType"
	KindMaxReparseExceeded     Kind = "MaxReparseExceeded"
)

var (
	ErrResourceExhaustion     = errors.New("resource exhaustion")
	ErrVerificationFailure    = errors.New("verification failure")
	ErrExecutionFailure       = errors.New("execution failure")
	ErrMalformedTaskStructure = errors.New("malformed task structure")
	ErrUnknownOperatorType    = errors.New("unknown operator type")
	ErrMaxReparseExceeded     = errors.New("max reparse attempts exceeded")
)

// Retryable reports whether a failure of this kind may be recovered by reparse
func (k Kind) Retryable() bool {
	switch k {
	case KindResourceExhaustion, KindVerificationFailure, KindExecutionFailure:
		return true
	default:
		return false
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindResourceExhaustion:
		return ErrResourceExhaustion
	case KindVerificationFailure:
		return ErrVerificationFailure
	case KindExecutionFailure:
		return ErrExecutionFailure
	case KindMalformedTaskStructure:
		return ErrMalformedTaskStructure
	case KindUnknownOperatorType:
		return ErrUnknownOperatorType
	case KindMaxReparseExceeded:
		return ErrMaxReparseExceeded
	default:
		return nil
	}
}

// ExecutionError is a failure record raised by collaborators or by validation.
type ExecutionError struct {
	Kind Kind

	// Task is the task description that failed
	Task string

	// Details is free-form context, usually collaborator output
	Details string

	// Attempts is the number of reparse attempts made (MaxReparseExceeded only)
	Attempts int

	// Err is the underlying cause, if any
	Err error
}

func (e *ExecutionError) Error() string {
	msg := string(e.Kind)
	if e.Task != "" {
		msg += fmt.Sprintf(" in task %q", e.Task)
	}
	if e.Kind == KindMaxReparseExceeded {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is and errors.As.
func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New creates an ExecutionError of the given kind
func New(kind Kind, task, details string) *ExecutionError {
	return &ExecutionError{Kind: kind, Task: task, Details: details}
}

// Wrap creates an ExecutionError whose details come from err
func Wrap(kind Kind, task string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Task: task, Details: err.Error(), Err: err}
}

// Malformed reports a structural violation at path.
func Malformed(path, format string, args ...any) *ExecutionError {
	details := fmt.Sprintf(format, args...)
	if path != "" {
		details = path + ": " + details
	}
	return &ExecutionError{Kind: KindMalformedTaskStructure, Details: details}
}

// UnknownOperator reports an unrecognized type tag at path.
func UnknownOperator(path, tag string) *ExecutionError {
	details := fmt.Sprintf("unknown operator type %q", tag)
	if path != "" {
		details = path + ": " + details
	}
	return &ExecutionError{Kind: KindUnknownOperatorType, Details: details}
}

// MaxReparseExceeded reports an exhausted retry budget for task. last is the
// failure that triggered the final check.
func MaxReparseExceeded(task string, attempts int, last error) *ExecutionError {
	e := &ExecutionError{Kind: KindMaxReparseExceeded, Task: task, Attempts: attempts, Err: last}
	if last != nil {
		e.Details = "last failure: " + last.Error()
	}
	return e
}

// As returns the outermost ExecutionError in err's chain.
func As(err error) (*ExecutionError, bool) {
	var xerr *ExecutionError
	if errors.As(err, &xerr) {
		return xerr, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost ExecutionError in err's chain, or "".
func KindOf(err error) Kind {
	if xerr, ok := As(err); ok {
		return xerr.Kind
	}
	return ""
}

type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks err as already handled by an inner frame, so enclosing frames
// propagate it instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	var t *terminalError
	if errors.As(err, &t) {
		return err
	}
	return &terminalError{err: err}
}

// IsRetryable reports whether err may be recovered by reparsing the failing node.
func IsRetryable(err error) bool {
	var t *terminalError
	if errors.As(err, &t) {
		return false
	}
	xerr, ok := As(err)
	return ok && xerr.Kind.Retryable()
}
