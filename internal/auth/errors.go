// ABOUTME: Error taxonomy for handshake failures
// ABOUTME: Kinds let the driver decide whether a failure is logged and closed or dropped silently

package auth

import (
	"errors"
)

// Kind categorizes handshake errors.
type Kind uint8

const (
	// KindProtocol is a malformed or unexpected frame.
	KindProtocol Kind = iota + 1
	// KindAuthorization is an unknown device, a key mismatch or a bad signature.
	KindAuthorization
	// KindTimeout is a receive that exceeded the handshake timeout.
	KindTimeout
	// KindTransport is a peer disconnect or send failure.
	KindTransport
	// KindInternal is anything unanticipated.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a categorized handshake failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Inner  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String() + " error"
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Inner != nil {
		msg += ": " + e.Inner.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Inner }

// Wrap builds an Error. inner may be nil.
func Wrap(kind Kind, reason Reason, inner error) *Error {
	return &Error{Kind: kind, Reason: reason, Inner: inner}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// Transport marks err as a transport failure.
func Transport(err error) error {
	return Wrap(KindTransport, "", err)
}
