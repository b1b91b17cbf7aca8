package httpx

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument               = errors.New("httpx: invalid argument")
	ErrNotSupported                  = errors.New("httpx: not supported")
	ErrClientClosed                  = errors.New("httpx: client closed")
	ErrClientDestroyed               = errors.New("httpx: client destroyed")
	ErrConnectTimeout                = errors.New("httpx: connect timeout")
	ErrHeadersTimeout                = errors.New("httpx: headers timeout")
	ErrBodyTimeout                   = errors.New("httpx: body timeout")
	ErrHeaderTooLarge                = errors.New("httpx: response header too large")
	ErrResponseContentLengthMismatch = errors.New("httpx: response body length does not match content-length")
	ErrRequestContentLengthMismatch  = errors.New("httpx: request body length does not match content-length")
	ErrResponseExceededMaxSize       = errors.New("httpx: response exceeded max size")
	ErrRequestAborted                = errors.New("httpx: request aborted")
	ErrMaxRedirections               = errors.New("httpx: max redirections exceeded")
	ErrBodyNotReplayable             = errors.New("httpx: request body already consumed, cannot follow redirect")
	ErrProtocolViolation             = errors.New("httpx: protocol violation")
	ErrSocket                        = errors.New("httpx: socket error")
	ErrInformational                 = errors.New("httpx: informational")
)

// SocketError reports a failure of the underlying transport.
type SocketError struct {
	Op           string
	Err          error
	LocalAddr    string
	RemoteAddr   string
	BytesRead    int64
	BytesWritten int64
}

func (e *SocketError) Error() string {
	msg := "httpx: socket " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RemoteAddr != "" {
		msg += fmt.Sprintf(" (local %s, remote %s, read %d, written %d)", e.LocalAddr, e.RemoteAddr, e.BytesRead, e.BytesWritten)
	}
	return msg
}

func (e *SocketError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSocket}
	}
	return []error{ErrSocket, e.Err}
}

// InformationalError marks a connection teardown that is not a request
// failure in itself: idle timeouts, aborts, server name changes.
type InformationalError struct {
	Reason string
}

func (e *InformationalError) Error() string { return "httpx: " + e.Reason }

func (e *InformationalError) Unwrap() error { return ErrInformational }

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
