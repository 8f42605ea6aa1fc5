// Package retry classifies remote call failures and maps retry policies onto
// fortify. Only transient failures are retried; everything else is returned on
// the first attempt.
package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	fortify "github.com/felixgeelhaar/fortify/retry"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 4 * time.Second, MaxDelay: 10 * time.Second}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Config returns the fortify configuration for p. Retries back off
// exponentially, capped at MaxDelay, and only IsTransient errors are retried.
func (p Policy) Config() fortify.Config {
	p = p.normalize()
	return fortify.Config{
		MaxAttempts:   p.MaxAttempts,
		InitialDelay:  p.InitialDelay,
		MaxDelay:      p.MaxDelay,
		BackoffPolicy: fortify.BackoffExponential,
		IsRetryable:   IsTransient,
	}
}

// Transient is implemented by errors that know whether a retry may succeed.
type Transient interface {
	Transient() bool
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsTransient reports whether err is a network failure, a per-attempt timeout or
// an error that declares itself transient (5xx responses).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
