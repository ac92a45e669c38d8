package errors

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// RetryController implements exponential backoff with jitter for retry logic.
//
// An optional rate.Limiter is shared by every producer of a query so that a
// burst of throttled ranges cannot turn into a retry storm.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	limiter      *rate.Limiter
}

// RetryOptions configures a RetryController. Zero values take defaults.
type RetryOptions struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	MaxRetries       int
	RetriesPerSecond float64 // 0 = unlimited
	Burst            int
}

// NewRetryController creates a new retry controller with default settings.
// Default: initial delay 10ms, max delay 1s, max retries 5
func NewRetryController() *RetryController {
	return NewRetryControllerWithOptions(RetryOptions{})
}

// NewRetryControllerWithOptions creates a retry controller from opts.
func NewRetryControllerWithOptions(opts RetryOptions) *RetryController {
	rc := &RetryController{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     1 * time.Second,
		maxRetries:   5,
	}
	if opts.InitialDelay > 0 {
		rc.initialDelay = opts.InitialDelay
	}
	if opts.MaxDelay > 0 {
		rc.maxDelay = opts.MaxDelay
	}
	if opts.MaxRetries > 0 {
		rc.maxRetries = opts.MaxRetries
	}
	if opts.RetriesPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		rc.limiter = rate.NewLimiter(rate.Limit(opts.RetriesPerSecond), burst)
	}
	return rc
}

// NoRetry returns a controller that never retries.
func NoRetry() *RetryController {
	return &RetryController{maxRetries: 0}
}

// MaxRetries returns the retry budget per call.
func (rc *RetryController) MaxRetries() int {
	return rc.maxRetries
}

// Retry executes fn, retrying errors the classifier marks as retryable.
// The context is checked before every attempt and while backing off.
func (rc *RetryController) Retry(ctx context.Context, fn func() error, classifier *Classifier) error {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Canceled(err)
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		category := classifier.Classify(err)

		// Don't retry permanent, split or cancellation errors
		if !classifier.ShouldRetry(category) {
			return err
		}

		// Don't retry on last attempt
		if attempt >= rc.maxRetries {
			return err
		}

		if rc.limiter != nil {
			if werr := rc.limiter.Wait(ctx); werr != nil {
				return Canceled(ctx.Err())
			}
		}

		delay := rc.calculateDelay(attempt)
		if be, ok := AsBackendError(err); ok && be.RetryAfter > delay {
			delay = be.RetryAfter
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt using exponential backoff + jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: delay = initialDelay * 2^attempt
	delay := rc.initialDelay * time.Duration(1<<uint(attempt))

	// Cap at max delay
	if delay > rc.maxDelay {
		delay = rc.maxDelay
	}

	// Add jitter: ±25% random variation
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter

	// Ensure non-negative
	if delay < 0 {
		delay = rc.initialDelay
	}

	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return Canceled(ctx.Err())
	}
}
