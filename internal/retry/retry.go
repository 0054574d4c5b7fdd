// Package retry provides bounded retries with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes a retry schedule. With Jitter disabled the delays are
// exactly BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool

	// OnRetry, if set, is called before each backoff sleep with the attempt
	// that just failed (1-based), its error and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Provider is the outbound provider schedule: one call plus three retries
// after 1s, 2s and 4s.
var Provider = Policy{MaxAttempts: 4, BaseDelay: time.Second}

// Do calls fn up to p.MaxAttempts times. It stops early if fn succeeds,
// returns a *PermanentError (the wrapped error is returned), or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		sleep := delay
		if p.Jitter {
			jitter := delay / 4
			sleep = delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return err
}
