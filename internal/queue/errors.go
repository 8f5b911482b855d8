package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLeaseLost  = errors.New("job lease lost")
	ErrNoHandler  = errors.New("queue consumer has no handler")
	ErrEmptyQueue = errors.New("queue name is required")
)

// Fatal marks an error as non-retryable: the job is dead-lettered on the
// first failure.
//
//	return queue.Fatal(fmt.Errorf("message %d: %w", id, domain.ErrMessageNotFound))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested redelivery delay to a retryable error.
// The consumer honors the hint (bounded by the policy maximum) instead of
// its exponential schedule.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Throttle marks err as a rate-limit rejection. The consumer defers the job
// by roughly after without spending an attempt, as long as the job's
// throttle budget lasts; afterwards it behaves like RetryAfter.
func Throttle(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return throttleError{retryAfterError{err: err, after: after}}
}

// IsThrottled reports whether err is wrapped with Throttle.
func IsThrottled(err error) bool {
	var e throttleError
	return errors.As(err, &e)
}

type throttleError struct{ retryAfterError }

func (e throttleError) Error() string { return fmt.Sprintf("throttled(%s): %v", e.after, e.err) }
