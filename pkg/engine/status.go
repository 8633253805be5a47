package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state shared by tasks, processes, and execution graphs.
type Status string

const (
	// StatusNotStarted indicates the unit has not been submitted yet.
	StatusNotStarted Status = "not_started"

	// StatusRunning indicates the unit is in progress and must be polled again.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the unit completed successfully.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the unit failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the unit was cancelled. It is handled like a failure.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true if the unit has not reached a final state.
func (s Status) IsActive() bool {
	return s == StatusNotStarted || s == StatusRunning
}

// IsFailure returns true for FAILED and CANCELLED.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusNotStarted, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = StatusNotStarted
		return nil
	}
	*s = Status(str)
	return s.Validate()
}

// MarshalText allows Status to be used as a JSON object key.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText allows Status to be decoded from a JSON object key.
func (s *Status) UnmarshalText(text []byte) error {
	*s = Status(text)
	return s.Validate()
}

// ProcessType describes what a lifecycle process does to its resource.
type ProcessType string

const (
	// ProcessCreate provisions a resource that does not exist yet.
	ProcessCreate ProcessType = "create"

	// ProcessUpdate changes an existing resource.
	ProcessUpdate ProcessType = "update"

	// ProcessDelete removes an existing resource.
	ProcessDelete ProcessType = "delete"
)

// Validate checks if the process type is valid. The empty value is allowed.
func (p ProcessType) Validate() error {
	switch p {
	case "", ProcessCreate, ProcessUpdate, ProcessDelete:
		return nil
	default:
		return fmt.Errorf("invalid process type: %s", p)
	}
}

// EventType represents the type of event published while executing graphs.
type EventType string

const (
	// EventTypeExecutionSubmitted indicates a graph was accepted for execution.
	EventTypeExecutionSubmitted EventType = "execution_submitted"

	// EventTypeExecutionCompleted indicates a graph reached a terminal status.
	EventTypeExecutionCompleted EventType = "execution_completed"

	// EventTypeExecutionFailed indicates a graph finished with a failure.
	EventTypeExecutionFailed EventType = "execution_failed"

	// EventTypeVertexStarted indicates a resource process started.
	EventTypeVertexStarted EventType = "vertex_started"

	// EventTypeVertexCompleted indicates a resource process finished.
	EventTypeVertexCompleted EventType = "vertex_completed"

	// EventTypeEdgeApplied indicates an edge mutation was written to both endpoints.
	EventTypeEdgeApplied EventType = "edge_applied"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeExecutionFailed, EventTypeError:
		return "error"
	default:
		return "info"
	}
}
