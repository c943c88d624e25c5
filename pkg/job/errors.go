package job

import "errors"

var (
	ErrNotFound          = errors.New("job: job not found")
	ErrUnknownTask       = errors.New("job: no handler registered for job type")
	ErrInvalidPayload    = errors.New("job: failed to decode job payload")
	ErrInvalidState      = errors.New("job: invalid state transition")
	ErrHandlerPanic      = errors.New("job: handler panicked")
	ErrTimeout           = errors.New("job: handler exceeded timeout")
	ErrHealthcheckFailed = errors.New("job: healthcheck failed")
	ErrAlreadyStarted    = errors.New("job: worker already started")
)
