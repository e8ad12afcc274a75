package whatsapp

import (
	"github.com/pkg/errors"
)

var (
	// ErrTransientDisconnect is the cause of a connection drop that the
	// reconnect policy may retry, and of a session that ran out of retries.
	ErrTransientDisconnect = errors.New("whatsapp: transient disconnect")

	// ErrTerminalLogout is the cause of a session that was logged out and
	// whose credentials were removed.
	ErrTerminalLogout = errors.New("whatsapp: logged out")

	ErrSessionClosed      = errors.New("whatsapp: session closed")
	ErrNotConnected       = errors.New("whatsapp: not connected")
	ErrInvalidDestination = errors.New("whatsapp: invalid destination")

	// ErrSendFailure matches every error returned by a failed send.
	ErrSendFailure = errors.New("whatsapp: send failed")
)

// SendFailure wraps the original cause of a failed send.
type SendFailure struct {
	Cause error
}

func (e *SendFailure) Error() string {
	return "whatsapp: send failed: " + e.Cause.Error()
}

func (e *SendFailure) Unwrap() error { return e.Cause }

func (e *SendFailure) Is(target error) bool { return target == ErrSendFailure }

// endedError is what a finished session reports. It matches
// ErrSessionClosed and unwraps to the reason the session ended.
type endedError struct {
	cause error
}

func (e *endedError) Error() string {
	return "whatsapp: session closed: " + e.cause.Error()
}

func (e *endedError) Unwrap() error { return e.cause }

func (e *endedError) Is(target error) bool { return target == ErrSessionClosed }
