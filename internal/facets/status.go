// Package facets tracks the lifecycle of facets routed by the diamond
// registry. The route table only knows which facets are routed right now;
// the index kept here remembers when each facet was first registered, how
// often it came back and whether it is currently active.
package facets

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a facet.
type Status int32

const (
	// StatusUnknown indicates a facet the registry has never routed.
	StatusUnknown Status = iota

	// StatusActive indicates the facet has at least one routed selector.
	StatusActive

	// StatusRemoved indicates the facet was routed once and has none now.
	StatusRemoved
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusActive:
		return "active"
	case StatusRemoved:
		return "removed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "active", "registered":
		return StatusActive
	case "removed", "deregistered":
		return StatusRemoved
	default:
		return StatusUnknown
	}
}

// IsActive returns true if the facet currently serves calls.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusUnknown: {StatusActive},
	StatusActive:  {StatusRemoved},
	StatusRemoved: {StatusActive},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid status transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid facet transition: %s -> %s", e.From, e.To)
}
