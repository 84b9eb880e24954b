package diamond

import (
	"errors"
	"fmt"
)

var (
	// ErrImmutableFunction is returned when a cut targets the frozen facet.
	ErrImmutableFunction = errors.New("diamond: immutable function")

	// ErrReplaceExisting matches every *ReplaceExistingError.
	ErrReplaceExisting = errors.New("diamond: selector already routed to another facet")

	// ErrUnregisteredFunction is returned when a dispatched selector has no route.
	ErrUnregisteredFunction = errors.New("diamond: function is not registered")

	// ErrUnauthorized is returned when the caller may not submit cuts.
	ErrUnauthorized = errors.New("diamond: caller is not authorized")
)

// ReplaceExistingError reports a selector that a cut tried to claim while it
// is still routed to a different facet.
type ReplaceExistingError struct {
	Selector Selector
	Current  ModuleID
}

// Error implements error.
func (e *ReplaceExistingError) Error() string {
	return fmt.Sprintf("diamond: selector %s already routed to facet 0x%s", e.Selector, e.Current.StringLE())
}

// Is reports whether target is ErrReplaceExisting.
func (e *ReplaceExistingError) Is(target error) bool {
	return target == ErrReplaceExisting
}

// CallError wraps a failed delegated call.
type CallError struct {
	Module   ModuleID
	Selector Selector
	Err      error
}

// Error implements error.
func (e *CallError) Error() string {
	return fmt.Sprintf("diamond: delegate call to 0x%s (%s) failed: %v", e.Module.StringLE(), e.Selector, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CallError) Unwrap() error {
	return e.Err
}
