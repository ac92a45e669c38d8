package errors

import (
	"errors"
)

// ErrorCategory represents the category of an error for retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // Temporary errors - retry with backoff
	ErrorPermanent                       // Permanent errors - no retry
	ErrorSplit                           // Range gone - refresh topology, re-resolve continuation
	ErrorCanceled                        // Caller gave up
	ErrorStructural                      // Continuation/topology corruption - surface verbatim
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	case ErrorSplit:
		return "split"
	case ErrorCanceled:
		return "canceled"
	case ErrorStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// Classifier categorizes errors for intelligent retry logic.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent // Should not happen, but safe default
	}

	if IsCanceled(err) {
		return ErrorCanceled
	}
	if errors.Is(err, ErrStructuralContinuation) {
		return ErrorStructural
	}

	if be, ok := AsBackendError(err); ok {
		switch {
		case IsPartitionGone(be):
			return ErrorSplit
		case be.StatusCode == StatusTooManyRequests,
			be.StatusCode == StatusRequestTimeout,
			be.StatusCode == StatusServiceUnavailable:
			return ErrorTransient
		default:
			return ErrorPermanent
		}
	}

	switch err {
	case ErrSchedulerStopped, ErrDriverClosed:
		return ErrorCanceled
	}

	// Default: treat as permanent (no retry)
	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient
}
