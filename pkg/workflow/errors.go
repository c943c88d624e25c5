package workflow

import "errors"

var (
	ErrNotFound          = errors.New("workflow: run not found")
	ErrUnknownWorkflow   = errors.New("workflow: no handler registered for this name and version")
	ErrDuplicateWorkflow = errors.New("workflow: a handler with this name and version is already registered")
	ErrInvalidState      = errors.New("workflow: run is not in a state that allows this operation")
	ErrEventTimeout      = errors.New("workflow: timed out waiting for event")
	ErrCancelled         = errors.New("workflow: run cancelled")
	ErrHandlerPanic      = errors.New("workflow: handler panicked")
	ErrDeserialization   = errors.New("workflow: failed to decode journaled step result")

	// ErrSuspended unwinds the workflow function when an effect parks the
	// run. It must be propagated unchanged by user code; the executor treats
	// it as a clean stop, not a failure.
	ErrSuspended = errors.New("workflow: run suspended")
)
