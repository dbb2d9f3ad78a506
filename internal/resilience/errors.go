package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	ErrCircuitOpen      = errors.New("circuit open")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrCanceled         = errors.New("operation canceled")
)

// CircuitOpenError is returned without invoking the operation while the
// breaker for Key is open.
type CircuitOpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for %s", e.Key)
	}
	return fmt.Sprintf("circuit open for %s until %s", e.Key, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetriesExhaustedError carries the last transient error after every attempt
// failed. FallbackErr is set when a fallback ran and also failed.
type RetriesExhaustedError struct {
	Key         string
	Attempts    int
	Err         error
	FallbackErr error
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Key, e.Attempts, e.Err)
	if e.FallbackErr != nil {
		msg += fmt.Sprintf("; fallback failed: %v", e.FallbackErr)
	}
	return msg
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

type transient interface {
	Transient() bool
}

type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// IsTransient reports whether err is worth retrying. Errors that declare
// Transient() decide for themselves; otherwise timeouts and connection-level
// network failures are transient and everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func retryAfterHint(err error) time.Duration {
	var h retryAfterHinter
	if errors.As(err, &h) {
		return h.RetryAfterHint()
	}
	return 0
}
