package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures. The pipeline branches on kinds, never
// on exchange-specific error strings; raw responses are canonicalized here
// and never leak past the adapter boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindRateLimit
	KindNotFound
	KindFilterRejected
)

// String returns the canonical kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NETWORK"
	case KindAuth:
		return "AUTH"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindFilterRejected:
		return "FILTER_REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Error is the canonical adapter error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an error is worth retrying with backoff.
// Network hiccups and rate limits are transient; auth failures, filter
// rejections and unknown-order lookups are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindRateLimit:
		return true
	}
	return false
}
