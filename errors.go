package eftl

import "fmt"

// ErrorCode is the fixed integer taxonomy carried across user-visible
// errors, acknowledgement errors, and transport close codes (spec.md §6).
type ErrorCode int

// Notable members of the error taxonomy. Server-issued codes outside this
// list pass through unchanged in Error.Code.
const (
	ErrCodeOK                 ErrorCode = 0
	ErrCodeInvalidArg         ErrorCode = 1
	ErrCodeNoMemory           ErrorCode = 2
	ErrCodeTimeout            ErrorCode = 3
	ErrCodeNotFound           ErrorCode = 4
	ErrCodeInvalidType        ErrorCode = 5
	ErrCodeNotSupported       ErrorCode = 6
	ErrCodeNotConnected       ErrorCode = 8
	ErrCodeConnectionLost     ErrorCode = 9
	ErrCodeConnectFailed      ErrorCode = 10
	ErrCodePublishFailed      ErrorCode = 11
	ErrCodeMaxPendingAcks     ErrorCode = 20
	ErrCodeSubscriptionFailed ErrorCode = 21
	ErrCodeGoingAway          ErrorCode = 1001
	ErrCodeMessageTooBig      ErrorCode = 1009
	ErrCodeServiceRestart     ErrorCode = 1012
	ErrCodeForceClose         ErrorCode = 4000
	ErrCodeUnavailable        ErrorCode = 4001
	ErrCodeAuthentication     ErrorCode = 4002
)

// Error is the typed error every synchronous SDK operation returns, and the
// type carried in the asynchronous error/state fan-out (§4.7).
type Error struct {
	Code   ErrorCode
	Reason string
	// Wrapped, if the Error was constructed around a lower-level error
	// (transport dial failure, JSON decode failure, etc).
	Wrapped error
}

func newError(code ErrorCode, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func wrapError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Wrapped: err}
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("eftl: %s (code %d): %v", e.Reason, e.Code, e.Wrapped)
	}
	return fmt.Sprintf("eftl: %s (code %d)", e.Reason, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

var (
	// ErrNotConnected is returned by operations that require the session to
	// be CONNECTED or RECONNECTING (spec.md §4.1).
	ErrNotConnected = newError(ErrCodeNotConnected, "not connected")

	// ErrNotSupported is returned by SendRequest when the negotiated
	// protocol version is below 1.
	ErrNotSupported = newError(ErrCodeNotSupported, "operation not supported by negotiated protocol")

	// ErrMessageTooBig is returned when an outbound frame exceeds the
	// negotiated max message size.
	ErrMessageTooBig = newError(ErrCodeMessageTooBig, "message exceeds negotiated maximum size")

	// ErrMaxPendingAcks is returned by Publish/SendRequest when the ledger
	// already holds Options.MaxPendingAcks outstanding entries
	// (SPEC_FULL.md supplemented feature 2).
	ErrMaxPendingAcks = newError(ErrCodeMaxPendingAcks, "maximum pending acknowledgements reached")

	// ErrInvalidArg is returned for malformed caller arguments, e.g.
	// SendReply on a message without a reply-to destination.
	ErrInvalidArg = newError(ErrCodeInvalidArg, "invalid argument")

	// ErrTimeout is returned when a timed wait on a completion expires.
	ErrTimeout = newError(ErrCodeTimeout, "operation timed out")

	// ErrConnectFailed describes the failure Connect/Reconnect report when
	// every URL in the list has been tried and failed. They return a
	// separate *Error with the same code (ErrCodeConnectFailed) that wraps
	// the last attempt's error; ErrConnectFailed itself is never returned.
	ErrConnectFailed = newError(ErrCodeConnectFailed, "failed to connect to any listed url")
)
