package aggregation

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeNotFound is returned when the content tree provider cannot resolve a scope.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrMalformedScope is returned when tree data cannot be parsed into a tree.
	ErrMalformedScope = errors.New("malformed scope")

	// ErrInvalidKey is returned when a scope or block key does not parse.
	ErrInvalidKey = errors.New("invalid key")
)

// InvalidCompletionModeError reports a block whose completion-mode tag is outside the known set.
// It indicates a tree provider bug and is always propagated.
type InvalidCompletionModeError struct {
	BlockKey string
	Mode     Mode
}

func (e *InvalidCompletionModeError) Error() string {
	return fmt.Sprintf("invalid completion mode %q on block %s", string(e.Mode), e.BlockKey)
}

// InvalidAggregateWriteError reports an aggregate rejected at the store boundary.
type InvalidAggregateWriteError struct {
	ContainerKey string
	Reason       string
}

func (e *InvalidAggregateWriteError) Error() string {
	if e.ContainerKey == "" {
		return "invalid aggregate write: " + e.Reason
	}
	return fmt.Sprintf("invalid aggregate write for %s: %s", e.ContainerKey, e.Reason)
}

func invalidWrite(container, format string, args ...interface{}) error {
	return &InvalidAggregateWriteError{ContainerKey: container, Reason: fmt.Sprintf(format, args...)}
}
