// Package retry retries transient failures with capped exponential backoff.
//
// Errors classified by apperr as validation, conflict, not-found or invariant
// failures are never retried: running the same call again cannot change
// their outcome. Everything else, typically broker or network errors, is.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/accountbazaar/escrowd/internal/apperr"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 5 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindConflict, apperr.KindNotFound, apperr.KindInvariant:
		return true
	}
	return false
}

// Do calls fn up to maxAttempts times. It stops early on success, on a
// permanent error, or when ctx is done. baseDelay doubles after each failed
// attempt, with +-25% jitter, up to MaxDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if IsPermanent(err) {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay = min(delay*2, MaxDelay)
	}

	return err
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + time.Duration(rand.Int64N(int64(2*spread)+1))
}
