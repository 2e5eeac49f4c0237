// Package conferr defines the error taxonomy shared by the download,
// verification and persistence layers. Errors are classified with
// errors.Is against the sentinel kinds.
package conferr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMalformedInput marks missing or invalid headers, undecodable
	// payloads and instance identifier mismatches.
	ErrMalformedInput = errors.New("malformed input")
	// ErrIntegrity marks content whose digest does not match the declared hash.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrTrust marks signature or certificate verification failures.
	ErrTrust = errors.New("trust verification failed")
	// ErrNetwork marks transport failures and timeouts.
	ErrNetwork = errors.New("network error")
)

// Error is a classified error. It unwraps to both its kind and its cause.
type Error struct {
	kind error
	err  error
}

func (e *Error) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.kind, e.err}
}

// New returns an error of the given kind. The format follows fmt.Errorf, so
// %w verbs keep their causes reachable.
func New(kind error, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Malformed is shorthand for New(ErrMalformedInput, ...).
func Malformed(format string, args ...any) error {
	return New(ErrMalformedInput, format, args...)
}

// Integrity is shorthand for New(ErrIntegrity, ...).
func Integrity(format string, args ...any) error {
	return New(ErrIntegrity, format, args...)
}

// Trust is shorthand for New(ErrTrust, ...).
func Trust(format string, args ...any) error {
	return New(ErrTrust, format, args...)
}

// Network is shorthand for New(ErrNetwork, ...).
func Network(format string, args ...any) error {
	return New(ErrNetwork, format, args...)
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Kind returns a short label for err, used for metrics and log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedInput):
		return "malformed"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrTrust):
		return "trust"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
