package task

import (
	"errors"
	"fmt"

	"daybook/internal/capacity"
	"daybook/internal/model"
)

var (
	ErrNotFound = errors.New("task not found")

	// ErrCapacityExceeded matches every *capacity.ExceededError.
	ErrCapacityExceeded = capacity.ErrExceeded

	// errStaleWrite is returned by Tx.Replace when the stored version no
	// longer matches the one the caller read.
	errStaleWrite = errors.New("stale write")
)

// ValidationError is a rejected input. Field is empty for cross-field rules.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// VersionConflictError carries the current task so clients can retry.
type VersionConflictError struct {
	Expected int
	Current  model.Task
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current.Version)
}
