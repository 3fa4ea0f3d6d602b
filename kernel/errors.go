package kernel

import "errors"

var (
	// ErrStartup is returned when the backend cannot be reached or does not
	// finish its handshake within the startup deadline.
	ErrStartup = errors.New("kernel startup failed")

	// ErrSessionNotReady is returned by Execute when the session is not Ready.
	ErrSessionNotReady = errors.New("kernel session not ready")

	// ErrExecutionTimeout is returned when no message arrives within the
	// per-message deadline before the idle status.
	ErrExecutionTimeout = errors.New("kernel execution timed out")

	// ErrKernelUnavailable is returned when the backend died or stopped
	// responding.
	ErrKernelUnavailable = errors.New("kernel unavailable")

	// ErrMalformedMessage is returned by Decode when a message's content does
	// not have the shape its type requires.
	ErrMalformedMessage = errors.New("malformed kernel message")
)
