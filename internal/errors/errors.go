package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCanceled is returned when the caller's context is cancelled while
	// the engine is initializing or fetching. It wraps the context error.
	ErrCanceled = errors.New("query canceled")

	// ErrSchedulerStopped is returned when work is submitted after Stop.
	ErrSchedulerStopped = errors.New("prefetch scheduler is stopped")

	// ErrDriverClosed is returned when operating on a torn-down driver
	ErrDriverClosed = errors.New("execution driver is closed")

	// ErrAlreadyInitialized is returned when TryInitialize runs twice
	ErrAlreadyInitialized = errors.New("execution driver already initialized")

	// ErrNotInitialized is returned when draining before initialization
	ErrNotInitialized = errors.New("execution driver not initialized")

	// ErrInitFailed wraps the first failure that aborted initialization.
	ErrInitFailed = errors.New("query initialization failed")

	// ErrInvalidConfig is returned by configuration validation
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidContinuation is the base for malformed caller-supplied
	// continuation input (empty, oversized, undecodable).
	ErrInvalidContinuation = errors.New("invalid continuation")

	// ErrStructuralContinuation is the base for continuation state that does
	// not line up with the current range topology. It is never recovered.
	ErrStructuralContinuation = errors.New("continuation does not match partition topology")

	// ErrProducerFailed marks a node whose last fetch failed permanently.
	ErrProducerFailed = errors.New("partition producer failed")
)

// Backend status codes understood by the classifier.
const (
	StatusBadRequest         = 400
	StatusNotFound           = 404
	StatusRequestTimeout     = 408
	StatusGone               = 410
	StatusTooManyRequests    = 429
	StatusInternalError      = 500
	StatusServiceUnavailable = 503

	SubStatusPartitionKeyRangeGone = 1002
	SubStatusCompletingSplit       = 1007
)

// BackendError is the failure shape returned by a partition page fetch.
type BackendError struct {
	StatusCode int
	SubStatus  int
	Message    string
	Charge     float64       // charge consumed by the failed request
	RetryAfter time.Duration // server hint for throttled requests
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error: status=%d substatus=%d", e.StatusCode, e.SubStatus)
	}
	return fmt.Sprintf("backend error: status=%d substatus=%d: %s", e.StatusCode, e.SubStatus, e.Message)
}

// NewBackendError builds a BackendError.
func NewBackendError(status, subStatus int, msg string) *BackendError {
	return &BackendError{StatusCode: status, SubStatus: subStatus, Message: msg}
}

// AsBackendError unwraps err into a BackendError.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsPartitionGone reports whether err means the range was split (or is
// completing a split) and the topology must be refreshed.
func IsPartitionGone(err error) bool {
	be, ok := AsBackendError(err)
	if !ok {
		return false
	}
	return be.StatusCode == StatusGone &&
		(be.SubStatus == SubStatusPartitionKeyRangeGone || be.SubStatus == SubStatusCompletingSplit)
}

// IsThrottled reports whether err is a 429.
func IsThrottled(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.StatusCode == StatusTooManyRequests
}

// IsCanceled reports whether err is a cancellation outcome.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Canceled wraps a context error into ErrCanceled. A nil cause yields nil.
func Canceled(cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// Is, As and New re-export the standard helpers so callers need only one
// errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
