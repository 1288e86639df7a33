package neoqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("neoqueue: no store configured")
	ErrUnknownDriver   = errors.New("neoqueue: unknown connection driver")
	ErrMigrationFailed = errors.New("neoqueue: migration failed")

	// ErrBackendUnavailable marks transport-level failures. Workers retry the
	// poll without touching the envelope.
	ErrBackendUnavailable = errors.New("neoqueue: backend unavailable")

	// Not found errors.
	ErrJobNotFound       = errors.New("neoqueue: job not found")
	ErrBatchNotFound     = errors.New("neoqueue: batch not found")
	ErrFailedJobNotFound = errors.New("neoqueue: failed job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("neoqueue: job already exists")
	ErrJobReserved      = errors.New("neoqueue: job is reserved by a worker")

	// ErrCorruptEnvelope is returned by Reserve for a stored envelope that
	// cannot be decoded. The backend has already moved it to the failed
	// store.
	ErrCorruptEnvelope = errors.New("neoqueue: corrupt envelope")

	// Execution errors.
	ErrNoHandler         = errors.New("neoqueue: no handler registered")
	ErrTimeoutExceeded   = errors.New("neoqueue: job timeout exceeded")
	ErrLockUnavailable   = errors.New("neoqueue: lock unavailable")
	ErrTerminalFailure   = errors.New("neoqueue: terminal failure")
	ErrMaxAttempts       = errors.New("neoqueue: job attempted too many times")
	ErrUnknownCallback   = errors.New("neoqueue: unknown callback")
	ErrUnknownMiddleware = errors.New("neoqueue: unknown middleware")

	// Dispatch errors.
	ErrEmptyChain      = errors.New("neoqueue: chain has no jobs")
	ErrBatchesDisabled = errors.New("neoqueue: no batch coordinator configured")

	// Schedule errors.
	ErrInvalidTask   = errors.New("neoqueue: invalid scheduled task")
	ErrDuplicateTask = errors.New("neoqueue: scheduled task already registered")
)

// Unavailable wraps a transport error so that it matches both
// ErrBackendUnavailable and the underlying cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// HandlerError is returned when application code fails while processing a
// job. It unwraps to the handler's error.
type HandlerError struct {
	Job string
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("neoqueue: job %s: %v", e.Job, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ReleaseError asks the worker to put the job back on its queue after Delay
// without counting an exception against it.
type ReleaseError struct {
	Delay  time.Duration
	Reason string
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("neoqueue: released for %s: %s", e.Delay, e.Reason)
}

// Release returns an error that makes the worker release the current job.
func Release(delay time.Duration, reason string) error {
	return &ReleaseError{Delay: delay, Reason: reason}
}

// AsRelease reports whether err asks for a release.
func AsRelease(err error) (*ReleaseError, bool) {
	var re *ReleaseError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Fail marks err as terminal: the worker moves the job to the failed store
// regardless of the tries it has left.
func Fail(err error) error {
	if err == nil {
		return ErrTerminalFailure
	}
	return fmt.Errorf("%w: %w", ErrTerminalFailure, err)
}
