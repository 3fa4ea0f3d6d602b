package kernel

import (
	"context"

	"github.com/chazu/sandbox/kernel/wire"
)

// Backend is a live connection to one kernel process. Implementations are
// safe for one goroutine calling Recv while another calls Submit or Close.
type Backend interface {
	// Submit sends an execute_request for code whose header id is msgID.
	Submit(ctx context.Context, msgID, code string) error

	// Recv blocks until the next IOPub message arrives. It returns an error
	// once the channel has failed or the backend was closed.
	Recv() (*wire.Message, error)

	// Close shuts the kernel down and releases the channel. It is safe to
	// call more than once.
	Close(ctx context.Context) error
}

// Launcher starts or connects to a kernel. Launch returns only after the
// backend completed its handshake; on failure it has already released
// whatever it acquired.
type Launcher interface {
	Launch(ctx context.Context) (Backend, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Backend, error)

func (f LauncherFunc) Launch(ctx context.Context) (Backend, error) {
	return f(ctx)
}
