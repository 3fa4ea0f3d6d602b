package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/chazu/sandbox/kernel"
)

var (
	// ErrOverloaded is returned when the execution queue is full.
	ErrOverloaded = errors.New("server: too many pending executions")

	// ErrStopped is returned for requests made after or during Stop.
	ErrStopped = errors.New("server: stopped")
)

// connectError maps a service error to the Connect code callers see.
func connectError(err error) *connect.Error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, ErrOverloaded):
		code = connect.CodeResourceExhausted
	case errors.Is(err, ErrStopped), errors.Is(err, kernel.ErrKernelUnavailable):
		code = connect.CodeUnavailable
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	}
	return connect.NewError(code, err)
}
