package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrBackpressure       = errors.New("transport: send queue full")
	ErrConnect            = errors.New("transport: connect failed")
	ErrBind               = errors.New("transport: bind failed")
	ErrHandler            = errors.New("transport: handler failed")
	ErrAmbiguousTarget    = errors.New("transport: connection id required with multiple connections")
	ErrHandshakeRejected  = errors.New("transport: handshake rejected")
	ErrInvalidHandshake   = errors.New("transport: invalid handshake")
	ErrStopped            = errors.New("transport: stopped")
	ErrAlreadyRunning     = errors.New("transport: already running")
	ErrUnsupportedNetwork = errors.New("transport: unsupported network")
	ErrDuplicateRequest   = errors.New("transport: request with this message id already pending")
)

// ConnectionClosedError reports a send to, or the loss of, a connection that
// is not Open. Err carries the I/O or frame error that closed it, if any.
type ConnectionClosedError struct {
	ConnID string
	Reason string
	Err    error
}

func (e *ConnectionClosedError) Error() string {
	msg := fmt.Sprintf("transport: connection %q closed", e.ConnID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionClosedError) Unwrap() error        { return e.Err }
func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

// BackpressureError is returned by Send when the connection's queue already
// holds Limit entries.
type BackpressureError struct {
	ConnID string
	Limit  int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("transport: connection %q send queue full (limit %d)", e.ConnID, e.Limit)
}

func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressure }

type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error        { return e.Err }
func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error        { return e.Err }
func (e *BindError) Is(target error) bool { return target == ErrBind }

// HandlerError wraps an error returned (or a panic raised) by the message
// handler for one inbound envelope.
type HandlerError struct {
	ConnID    string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("transport: handler for message %q on connection %q: %v", e.MessageID, e.ConnID, e.Err)
}

func (e *HandlerError) Unwrap() error        { return e.Err }
func (e *HandlerError) Is(target error) bool { return target == ErrHandler }

// DecodeReport wraps an inbound frame body that could not be decoded into an
// envelope. The frame is skipped and the connection stays open.
type DecodeReport struct {
	ConnID string
	Err    error
}

func (e *DecodeReport) Error() string {
	return fmt.Sprintf("transport: connection %q: skipped frame: %v", e.ConnID, e.Err)
}

func (e *DecodeReport) Unwrap() error { return e.Err }
