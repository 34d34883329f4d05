package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCanceled is the terminal error of a task aborted by its caller.
	ErrCanceled = errors.New("task canceled")
	// ErrTimeout cancels an attempt that ran past its per-task deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrExpired is the terminal error of a task evicted by a sweep rule.
	ErrExpired = errors.New("task expired")
	// ErrRetriesExhausted wraps the last attempt error once no retry is left.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrUnknownTask is returned when a worker reports on a task the manager
	// no longer tracks.
	ErrUnknownTask = errors.New("unknown task")
	// ErrShutdown fails every task still pending when the manager shuts down.
	ErrShutdown = errors.New("scheduler shut down")
)

// ProxyError is the failure of one upstream call.
type ProxyError struct {
	StatusCode int
	RetryAfter time.Duration
	Retryable  bool
	Err        error
}

func (e *ProxyError) Error() string {
	msg := "upstream error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProxyError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed attempt may be tried again.
// Caller aborts never are; timeouts and errors that carry no upstream
// classification (network failures) are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) || errors.Is(err, ErrExpired) {
		return false
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// RetryAfter returns the upstream back-off hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
