// Package faults defines the error taxonomy and retry policy shared by
// every pipeline worker. A worker may terminate a task non-successfully
// only with a classified error; anything unknown is wrapped into
// PERMANENT after one sanity retry.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class names one category of task failure.
type Class string

const (
	RateLimit        Class = "RATE_LIMIT"
	DNS              Class = "DNS"
	Network          Class = "NETWORK"
	Stall            Class = "STALL"
	HTTPStatus       Class = "HTTP_STATUS"
	Incomplete       Class = "INCOMPLETE"
	NormalizeTimeout Class = "NORMALIZE_TIMEOUT"
	Integrity        Class = "INTEGRITY"
	MediaInvalid     Class = "MEDIA_INVALID"
	PhotoTooLarge    Class = "PHOTO_TOO_LARGE"
	Auth             Class = "AUTH"
	Canceled         Class = "CANCELED"
	Permanent        Class = "PERMANENT"
)

// Error is a classified task failure. Wait is non-zero only for
// RateLimit, where it carries the exact server-reported delay.
type Error struct {
	Class      Class
	Wait       time.Duration
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Class == RateLimit:
		return fmt.Sprintf("%s: wait %s", e.Class, e.Wait)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s(%d): %v", e.Class, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	default:
		return string(e.Class)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under the given class.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Errorf is New with a formatted message.
func Errorf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// NewRateLimit builds a RateLimit error carrying the exact wait the
// server reported.
func NewRateLimit(seconds int) *Error {
	return &Error{Class: RateLimit, Wait: time.Duration(seconds) * time.Second}
}

// NewHTTPStatus builds an HTTPStatus error for an unexpected response
// code.
func NewHTTPStatus(code int) *Error {
	return &Error{Class: HTTPStatus, StatusCode: code, Err: fmt.Errorf("unexpected status %d", code)}
}

// ClassOf maps any error to its class. Already-classified errors keep
// their class; network-shaped errors are classified by inspection;
// everything else is Permanent.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Stall
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network
	}
	return Permanent
}

// WaitOf returns the server-mandated wait carried by err, or zero.
func WaitOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Wait
	}
	return 0
}

// Retryable reports whether a class is eligible for automatic retry.
// MediaInvalid is not directly retried (the batch is split and the
// offending item deferred); Permanent, Canceled and Auth stop the
// worker's own retry loop.
func Retryable(class Class) bool {
	switch class {
	case RateLimit, DNS, Network, Stall, HTTPStatus, Incomplete,
		NormalizeTimeout, Integrity, PhotoTooLarge:
		return true
	default:
		return false
	}
}

// ConsumesBudget reports whether a retry of this class counts against
// the task's retry budget. Rate-limit waits are server-mandated and do
// not consume budget.
func ConsumesBudget(class Class) bool {
	return class != RateLimit
}

const maxBackoff = 300 * time.Second

// Backoff returns the delay before attempt n (1-based) of the given
// class. base is the operator-configured backoff base in seconds.
// RateLimit is excluded: its wait comes from the server verbatim.
func Backoff(class Class, attempt int, base int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base < 1 {
		base = 5
	}
	b := time.Duration(base) * time.Second

	switch class {
	case DNS, Network, HTTPStatus:
		return capBackoff(b << uint(attempt))
	case Stall:
		return capBackoff(b << uint(attempt-1))
	case Integrity, PhotoTooLarge:
		return 0
	case NormalizeTimeout:
		return capBackoff(b << uint(attempt))
	default:
		return capBackoff(b << uint(attempt-1))
	}
}

func capBackoff(d time.Duration) time.Duration {
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
