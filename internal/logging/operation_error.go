package logging

import "fmt"

// OperationError annotates an error with the operation that failed and the
// identifier it was working on.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and identifier. A nil err
// yields nil so call sites can wrap unconditionally.
func NewOperationError(operation, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: id, Err: err}
}
