// Package ioserr provides the error codes shared by every package that
// speaks to usbmuxd, lockdownd, or a device service.
//
// This is a leaf package with no internal dependencies, designed to be
// imported by muxd, lockdown, afc, webinspector, and imagemounter without
// causing circular imports.
//
// Import graph: ioserr <- {muxd, lockdown, afc, webinspector, imagemounter, diagnostics}
package ioserr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure a domain operation produced.
type Code int

const (
	// ErrNotFound indicates an unknown UDID, an absent AFC path, or a
	// missing pair record.
	ErrNotFound Code = iota + 1

	// ErrNoPairingRecord indicates a lockdown session was started without
	// a pair record on file for the device.
	ErrNoPairingRecord

	// ErrNoSession indicates an operation requiring an active lockdown
	// session was attempted without one.
	ErrNoSession

	// ErrAlreadyStarted indicates start_session was called twice.
	ErrAlreadyStarted

	// ErrPermissionDenied maps AFC error code 10.
	ErrPermissionDenied

	// ErrBadArgument maps AFC error code 7.
	ErrBadArgument

	// ErrInvalidProtocolVersion indicates the muxd handshake reported an
	// unexpected protocol_version.
	ErrInvalidProtocolVersion

	// ErrTLSFailure indicates the in-place TLS upgrade failed.
	ErrTLSFailure

	// ErrPeerDisconnected indicates the remote end closed the socket.
	ErrPeerDisconnected

	// ErrTimeout indicates a deadline elapsed (WebInspector session start,
	// wait_for_session).
	ErrTimeout

	// ErrNoAutomation indicates the WebInspector handshake reported
	// automation unavailable.
	ErrNoAutomation

	// ErrFailed is the catch-all for an unexpected reply shape.
	ErrFailed

	// ErrUnknown wraps an AFC error code with no specific mapping.
	ErrUnknown
)

func (c Code) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrNoPairingRecord:
		return "NoPairingRecord"
	case ErrNoSession:
		return "NoSession"
	case ErrAlreadyStarted:
		return "AlreadyStarted"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrBadArgument:
		return "BadArgument"
	case ErrInvalidProtocolVersion:
		return "InvalidProtocolVersion"
	case ErrTLSFailure:
		return "TlsFailure"
	case ErrPeerDisconnected:
		return "PeerDisconnected"
	case ErrTimeout:
		return "Timeout"
	case ErrNoAutomation:
		return "NoAutomation"
	case ErrFailed:
		return "Failed"
	case ErrUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is the error type returned by every package in this module.
// Device: holds the service-specific string surfaced verbatim from the
// device's Error field, when one was present in the reply.
type Error struct {
	Code    Code
	Message string
	Device  string
}

func (e *Error) Error() string {
	switch {
	case e.Device != "":
		return fmt.Sprintf("%s: %s (device: %s)", e.Code, e.Message, e.Device)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return e.Code.String()
	}
}

// Is allows errors.Is(err, ioserr.New(code, "")) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromDevice builds an *Error carrying the device's own Error string
// verbatim.
func FromDevice(code Code, device string) *Error {
	return &Error{Code: code, Device: device}
}

// AFCErrorCode maps an AFC protocol error number to a Code.
// 7 -> BadArgument, 8 -> NotFound, 10 -> PermissionDenied, else -> Unknown.
func AFCErrorCode(n uint64) Code {
	switch n {
	case 7:
		return ErrBadArgument
	case 8:
		return ErrNotFound
	case 10:
		return ErrPermissionDenied
	default:
		return ErrUnknown
	}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Code, true
}
