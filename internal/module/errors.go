package module

import (
	"errors"
	"fmt"
)

// Sentinel errors for the capability failure taxonomy. Every failure
// returned by Client.Invoke wraps exactly one of them.
var (
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrTimeout              = errors.New("timeout")
	ErrInvalidResponse      = errors.New("invalid response")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrLocalFault           = errors.New("local fault")
	// ErrBadRequest is only produced on the serving side when a payload
	// cannot be decoded.
	ErrBadRequest = errors.New("bad request")
)

// Kind is the class of a capability failure.
type Kind int

const (
	KindServiceUnavailable Kind = iota
	KindTimeout
	KindInvalidResponse
	KindAuthenticationFailed
	KindLocalFault
	KindBadRequest
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindInvalidResponse:
		return ErrInvalidResponse
	case KindAuthenticationFailed:
		return ErrAuthenticationFailed
	case KindLocalFault:
		return ErrLocalFault
	case KindBadRequest:
		return ErrBadRequest
	default:
		return ErrServiceUnavailable
	}
}

// Code is the wire error code used in the error envelope.
func (k Kind) Code() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindLocalFault:
		return "internal_error"
	case KindBadRequest:
		return "invalid_request"
	default:
		return "service_unavailable"
	}
}

func (k Kind) String() string { return k.sentinel().Error() }

// Error is the single failure shape for local and remote capability calls.
type Error struct {
	Kind     Kind
	Endpoint string
	Op       Op
	Status   int
	Message  string
	Details  any
	// Transient marks failures worth retrying: timeouts, connection errors
	// and 503 responses.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := e.Kind.String()
	if e.Endpoint != "" {
		prefix = fmt.Sprintf("%s %s/%s", prefix, e.Endpoint, e.Op)
	}
	if e.Status != 0 {
		prefix = fmt.Sprintf("%s (status %d)", prefix, e.Status)
	}
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's Kind so callers can use
// errors.Is(err, module.ErrTimeout).
func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

// KindOf reports the Kind carried by err, or KindLocalFault for errors that
// did not come from this package.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindLocalFault
}

// NewError lets local handlers return a classified failure, for example an
// upstream sidecar that answered with garbage.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}
