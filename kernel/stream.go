package kernel

import (
	"context"
	"fmt"
	"time"
)

// Stream is the message handle of one execution.
type Stream struct {
	session *Session
	id      string
}

// ID returns the execute_request message id the stream follows.
func (st *Stream) ID() string {
	return st.id
}

// Next waits at most timeout for the next message of this execution.
// It fails with ErrExecutionTimeout when the deadline passes, with
// ErrKernelUnavailable when the backend channel died, and with the context's
// error when ctx is done.
func (st *Stream) Next(ctx context.Context, timeout time.Duration) (Message, error) {
	s := st.session
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case d := <-s.msgs:
			if d.parent != st.id {
				continue
			}
			return d.msg, nil
		case <-s.dead:
			if msg, ok := st.buffered(); ok {
				return msg, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrKernelUnavailable, s.failure())
		case <-timer.C:
			return nil, fmt.Errorf("%w: no message within %s", ErrExecutionTimeout, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MarkReady reports that the idle status of this execution was observed.
func (st *Stream) MarkReady() {
	st.session.finish(st.id)
}

// buffered returns a message of this execution that was delivered before
// the channel died.
func (st *Stream) buffered() (Message, bool) {
	for {
		select {
		case d := <-st.session.msgs:
			if d.parent == st.id {
				return d.msg, true
			}
		default:
			return nil, false
		}
	}
}
