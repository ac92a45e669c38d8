package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"throttled", NewBackendError(StatusTooManyRequests, 0, ""), ErrorTransient},
		{"timeout", NewBackendError(StatusRequestTimeout, 0, ""), ErrorTransient},
		{"unavailable", NewBackendError(StatusServiceUnavailable, 0, ""), ErrorTransient},
		{"range gone", NewBackendError(StatusGone, SubStatusPartitionKeyRangeGone, ""), ErrorSplit},
		{"completing split", NewBackendError(StatusGone, SubStatusCompletingSplit, ""), ErrorSplit},
		{"plain gone", NewBackendError(StatusGone, 0, ""), ErrorPermanent},
		{"bad request", NewBackendError(StatusBadRequest, 0, ""), ErrorPermanent},
		{"wrapped split", fmt.Errorf("range 3: %w", NewBackendError(StatusGone, SubStatusPartitionKeyRangeGone, "")), ErrorSplit},
		{"canceled", context.Canceled, ErrorCanceled},
		{"wrapped cancel", Canceled(context.DeadlineExceeded), ErrorCanceled},
		{"structural", fmt.Errorf("%w: gap", ErrStructuralContinuation), ErrorStructural},
		{"driver closed", ErrDriverClosed, ErrorCanceled},
		{"unknown", New("boom"), ErrorPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err), tt.want.String())
		})
	}
	assert.True(t, c.ShouldRetry(ErrorTransient))
	assert.False(t, c.ShouldRetry(ErrorSplit))
}

func TestCanceled(t *testing.T) {
	assert.Nil(t, Canceled(nil))
	err := Canceled(context.Canceled)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, err, Canceled(err))
	assert.True(t, IsCanceled(err))
	assert.False(t, IsCanceled(New("x")))
}

func TestRetryTransient(t *testing.T) {
	rc := NewRetryControllerWithOptions(RetryOptions{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3})
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewBackendError(StatusTooManyRequests, 0, "slow down")
		}
		return nil
	}, NewClassifier())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	rc := NewRetryControllerWithOptions(RetryOptions{InitialDelay: time.Millisecond, MaxRetries: 2})
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		return NewBackendError(StatusServiceUnavailable, 0, "")
	}, NewClassifier())
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermanentOrSplit(t *testing.T) {
	for _, e := range []error{
		NewBackendError(StatusBadRequest, 0, ""),
		NewBackendError(StatusGone, SubStatusPartitionKeyRangeGone, ""),
	} {
		calls := 0
		err := NewRetryController().Retry(context.Background(), func() error {
			calls++
			return e
		}, NewClassifier())
		assert.Same(t, e, err)
		assert.Equal(t, 1, calls)
	}
}

func TestRetryHonoursRetryAfterAndContext(t *testing.T) {
	rc := NewRetryControllerWithOptions(RetryOptions{InitialDelay: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rc.Retry(ctx, func() error {
		return &BackendError{StatusCode: StatusTooManyRequests, RetryAfter: time.Hour}
	}, NewClassifier())
	assert.True(t, IsCanceled(err))
}

func TestNoRetry(t *testing.T) {
	calls := 0
	err := NoRetry().Retry(context.Background(), func() error {
		calls++
		return NewBackendError(StatusTooManyRequests, 0, "")
	}, NewClassifier())
	assert.True(t, IsThrottled(err))
	assert.Equal(t, 1, calls)
	assert.Zero(t, NoRetry().MaxRetries())
}

func TestBackendErrorHelpers(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewBackendError(StatusGone, SubStatusPartitionKeyRangeGone, "range 4 gone"))
	be, ok := AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, StatusGone, be.StatusCode)
	assert.True(t, IsPartitionGone(err))
	assert.False(t, IsThrottled(err))
	assert.Contains(t, be.Error(), "range 4 gone")

	_, ok = AsBackendError(New("plain"))
	assert.False(t, ok)
}
