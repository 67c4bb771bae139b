// Package termerr classifies the failures of the terminal session engine.
//
// Every error that crosses a component boundary (transport, channel, SFTP,
// session) is either a *Error or wraps one, so callers can branch on the Kind
// with errors.Is against the package sentinels:
//
//	if errors.Is(err, termerr.ErrAuthentication) {
//	    // do not retry
//	}
package termerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind string

const (
	// KindNetwork is a transient connection-level failure: host unreachable,
	// reset, DNS failure.
	KindNetwork Kind = "network"
	// KindAuthentication means credentials or the host key were rejected.
	// Never retried automatically.
	KindAuthentication Kind = "authentication"
	// KindProtocol means the peer sent malformed or incompatible data.
	// Session-fatal.
	KindProtocol Kind = "protocol"
	// KindChannelClosed is the expected terminal state of a channel.
	KindChannelClosed Kind = "channel_closed"
	// KindTimeout means a keepalive or per-request deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindTransfer is a remote file-operation failure carrying the remote
	// status code.
	KindTransfer Kind = "transfer"
	// KindAborted means the consumer cancelled a transfer.
	KindAborted Kind = "aborted"
)

var (
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrChannelClosed  = &Error{Kind: KindChannelClosed}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrTransfer       = &Error{Kind: KindTransfer}
	ErrAborted        = &Error{Kind: KindAborted}
)

// Error is a classified failure. Op names the operation that failed, Code
// carries the remote status for KindTransfer, and Err is the cause.
type Error struct {
	Kind    Kind
	Op      string
	Code    uint32
	Message string
	Err     error
}

// New constructs a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs a classified error with a formatted message and no cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Transfer constructs a KindTransfer error for a remote status reply.
func Transfer(op string, code uint32, msg string) *Error {
	return &Error{Kind: KindTransfer, Op: op, Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e == nil {
		return "terminal error"
	}
	var detail string
	switch {
	case e.Message != "" && e.Err != nil:
		detail = e.Message + ": " + e.Err.Error()
	case e.Message != "":
		detail = e.Message
	case e.Err != nil:
		detail = e.Err.Error()
	}
	prefix := string(e.Kind) + " error"
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Kind == KindTransfer && e.Code != 0 {
		prefix = fmt.Sprintf("%s (code %d)", prefix, e.Code)
	}
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is a *Error of the same kind. A target with an
// empty Kind matches any classified error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransportFatal reports whether err ends the transport it occurred on.
func IsTransportFatal(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindProtocol, KindTimeout:
		return true
	}
	return false
}
