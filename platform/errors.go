package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks a definitive negative result, such as revoked rights or a vanished chat or user. It is never retried.
var ErrPermanent = errors.New("permanent transport failure")

// ErrTransient marks a failure that may succeed on retry, such as a network error or an upstream 5xx.
var ErrTransient = errors.New("transient transport failure")

// RateLimitError is returned when the platform asks the caller to wait before the next request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Permanent wraps a platform description as a permanent error.
func Permanent(method, desc string) error {
	return fmt.Errorf("%s: %s: %w", method, desc, ErrPermanent)
}

func Transient(method string, err error) error {
	return fmt.Errorf("%s: %w: %w", method, ErrTransient, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// retryable reports how a failed call should be handled: the rate-limit wait if any, and whether a generic backoff retry applies.
func retryable(err error) (wait time.Duration, limited bool, transient bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true, false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false, false
	}
	return 0, false, true
}
