package jmap

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals an empty result for a lookup that expected a match.
// It is not fatal; callers report it as "no matching data".
var ErrNotFound = errors.New("no matching messages")

// TransportError is a connection-level failure (dial, timeout, 5xx).
// Retryable: the caller may repeat the same call unchanged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError is returned after the service signalled throttling and a
// single immediate retry was also throttled. Retryable with backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ProtocolError is a malformed or error-carrying response: bad credentials,
// an invalid session, a JMAP method-level error. Fatal to the current run.
type ProtocolError struct {
	Status int
	Type   string
	Detail string
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Type != "" && e.Detail != "":
		return fmt.Sprintf("protocol error %s: %s", e.Type, e.Detail)
	case e.Type != "":
		return fmt.Sprintf("protocol error %s", e.Type)
	case e.Status != 0:
		return fmt.Sprintf("protocol error: HTTP %d %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// IsRetryable reports whether the error is transient and the same call can
// be repeated without operator intervention.
func IsRetryable(err error) bool {
	var transport *TransportError
	var rateLimited *RateLimitedError
	return errors.As(err, &transport) || errors.As(err, &rateLimited)
}
