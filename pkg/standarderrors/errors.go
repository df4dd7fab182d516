package standarderrors

import "errors"

// Sentinel errors shared across the registry, supervisor and HTTP layer.
// Callers classify failures with errors.Is; the API maps each sentinel to
// an HTTP status code.
var (
	// ErrInvalidInput is returned when a request fails validation
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when no workflow with the given ID exists
	ErrNotFound = errors.New("workflow not found")

	// ErrDuplicate is returned when a workflow ID is already registered
	ErrDuplicate = errors.New("workflow already registered")

	// ErrResourceLimit is returned when registry or queue capacity is exhausted
	ErrResourceLimit = errors.New("resource limit reached")

	// ErrProcess is returned when an operation on the underlying process
	// (spawn, signal, pipe write) fails
	ErrProcess = errors.New("process operation failed")

	// ErrInvalidState is returned when an operation is not legal in the
	// workflow's current state. Callers should re-check the state via
	// Status rather than retry blindly.
	ErrInvalidState = errors.New("invalid workflow state")

	// ErrInstanceRemoved is returned when a workflow instance has been
	// successfully removed from the registry
	ErrInstanceRemoved = errors.New("instance removed")
)
