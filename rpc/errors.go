package rpc

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// ErrorCode is the closed taxonomy of failures a zonerpc operation can
// produce. It is what crosses the wire -- a plain Go error chain does not
// survive marshalling, so every boundary (service, transport, pass-through)
// returns one of these, wrapped as needed with trace.Wrap for local
// debugging context.
type ErrorCode int

const (
	// OK indicates success. Most APIs return a nil error instead of OK, but
	// the value exists so wire frames have an explicit zero-failure code.
	OK ErrorCode = iota
	// InvalidVersion means the frame's protocol_version is outside
	// [LowestSupportedVersion, HighestSupportedVersion].
	InvalidVersion
	// InvalidData means a malformed frame, or an operation addressed to a
	// stub that is missing from the destination's tables.
	InvalidData
	// InvalidCast means the requested interface is not implemented by the
	// stub's concrete object.
	InvalidCast
	// InvalidMethodID means the method ordinal is unknown for the
	// interface.
	InvalidMethodID
	// ObjectNotFound means the object id is not in the destination
	// service's table -- a stale remote reference.
	ObjectNotFound
	// ObjectGone means the stub's aggregate shared count already reached
	// zero (zombie state); shared operations fail with this code.
	ObjectGone
	// ZoneNotFound means there is no route from this hop to the named
	// destination.
	ZoneNotFound
	// TransportError means the wire disconnected or a send failed
	// permanently.
	TransportError
	// ServiceProxyLostConnection means a service proxy's transport was
	// freed while its registration was still cached.
	ServiceProxyLostConnection
	// CallCancelled means a pending reply was cancelled because its
	// transport went down before the reply arrived.
	CallCancelled
	// TimeoutError means a wire operation exceeded its timeout budget.
	TimeoutError
	// IncompatibleService means a marshaller method was invoked in a role
	// it does not support on this transport.
	IncompatibleService
)

var errorCodeNames = [...]string{
	"OK",
	"INVALID_VERSION",
	"INVALID_DATA",
	"INVALID_CAST",
	"INVALID_METHOD_ID",
	"OBJECT_NOT_FOUND",
	"OBJECT_GONE",
	"ZONE_NOT_FOUND",
	"TRANSPORT_ERROR",
	"SERVICE_PROXY_LOST_CONNECTION",
	"CALL_CANCELLED",
	"TIMEOUT_ERROR",
	"INCOMPATIBLE_SERVICE",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
	return errorCodeNames[c]
}

// Error is a zonerpc error with a classified Code. An Error built with
// WrapError carries its cause wrapped by trace.Wrap, so the cause keeps
// trace's stack context; an Error built with NewError has no cause.
type Error struct {
	Code    ErrorCode
	message string
	cause   error
}

// NewError builds an Error with the given code and a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error with the given code, wrapping an underlying
// cause with trace so stack context is preserved.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, message: fmt.Sprintf(format, args...), cause: trace.Wrap(cause)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Code, so callers can
// write `errors.Is(err, rpc.NewError(rpc.ObjectGone, ""))` or, more simply,
// use CodeOf below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the ErrorCode from err, returning OK if err is nil and
// TransportError if err is a non-zonerpc error (the common case for a wire
// failure surfaced by a concrete transport).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return TransportError
}
