// Package kerneltest provides an in-memory kernel backend for tests. It
// publishes the same IOPub message sequences an IPython kernel does, so the
// session, aggregator and server can be exercised without a Python process.
package kerneltest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/wire"
)

var (
	// ErrClosed is returned by Recv and Submit after Close.
	ErrClosed = errors.New("kerneltest: backend closed")
	// ErrCrashed is returned by Recv after a Reply with Crash or after Kill.
	ErrCrashed = errors.New("kerneltest: kernel process exited")
)

// Event is one IOPub message published in reply to an execution.
type Event struct {
	Type    string
	Content any
}

// Stdout is text written to sys.stdout.
func Stdout(text string) Event {
	return Event{Type: kernel.TypeStream, Content: map[string]any{"name": kernel.Stdout, "text": text}}
}

// Stderr is text written to sys.stderr.
func Stderr(text string) Event {
	return Event{Type: kernel.TypeStream, Content: map[string]any{"name": kernel.Stderr, "text": text}}
}

// Result is the value of the cell's last expression.
func Result(count int, text string) Event {
	return Event{Type: kernel.TypeExecuteResult, Content: map[string]any{
		"execution_count": count,
		"data":            map[string]any{"text/plain": text},
		"metadata":        map[string]any{},
	}}
}

// Display is rich output such as a rendered figure.
func Display(text string, png []byte) Event {
	data := map[string]any{"text/plain": text}
	if png != nil {
		data["image/png"] = base64.StdEncoding.EncodeToString(png)
	}
	return Event{Type: kernel.TypeDisplayData, Content: map[string]any{
		"data":     data,
		"metadata": map[string]any{},
	}}
}

// Error is an uncaught exception.
func Error(ename, evalue string, traceback ...string) Event {
	if traceback == nil {
		traceback = []string{}
	}
	return Event{Type: kernel.TypeError, Content: map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": traceback,
	}}
}

// Status is an execution_state change.
func Status(state string) Event {
	return Event{Type: kernel.TypeStatus, Content: map[string]any{"execution_state": state}}
}

// Raw is an arbitrary message, for unknown or malformed content.
func Raw(msgType string, content any) Event {
	return Event{Type: msgType, Content: content}
}

// Reply describes what the kernel publishes for one execution. Events are
// framed by busy and idle status messages unless Hang or Crash say otherwise.
type Reply struct {
	Events []Event
	// Stray events are published first under an unrelated parent.
	Stray []Event
	// Hang withholds the idle status.
	Hang bool
	// Crash fails the channel after Events.
	Crash bool
	// Delay is slept before each event.
	Delay time.Duration
}

// Handler decides the Reply for submitted code.
type Handler func(code string) Reply

// Launcher hands out Backends driven by Handler.
type Launcher struct {
	Handler Handler
	// Err, when set, makes Launch fail.
	Err error
	// StartDelay is waited before Launch returns, bounded by its context.
	StartDelay time.Duration

	mu       sync.Mutex
	backends []*Backend
}

// NewLauncher returns a Launcher whose backends answer with h.
func NewLauncher(h Handler) *Launcher {
	return &Launcher{Handler: h}
}

// Launch implements kernel.Launcher.
func (l *Launcher) Launch(ctx context.Context) (kernel.Backend, error) {
	l.mu.Lock()
	err, delay, h := l.Err, l.StartDelay, l.Handler
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b := NewBackend(h)
	l.mu.Lock()
	l.backends = append(l.backends, b)
	l.mu.Unlock()
	return b, nil
}

// SetErr changes the error returned by subsequent launches.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// Launches returns how many backends were launched successfully.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backends)
}

// Backend returns the i-th launched backend.
func (l *Launcher) Backend(i int) *Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backends[i]
}

// Backend is one fake kernel.
type Backend struct {
	handler Handler
	session string
	out     chan *wire.Message
	failed  chan struct{}

	failOnce   sync.Once
	failErr    error
	publishers sync.WaitGroup

	mu        sync.Mutex
	running   bool
	overlaps  int
	submitted []string
	closed    bool
}

// NewBackend returns a connected fake kernel.
func NewBackend(h Handler) *Backend {
	if h == nil {
		h = IPython
	}
	return &Backend{
		handler: h,
		session: wire.NewSessionID(),
		out:     make(chan *wire.Message, 64),
		failed:  make(chan struct{}),
	}
}

// Submit implements kernel.Backend.
func (b *Backend) Submit(ctx context.Context, msgID, code string) error {
	b.mu.Lock()
	select {
	case <-b.failed:
		b.mu.Unlock()
		return b.failErr
	default:
	}
	if b.running {
		b.overlaps++
	}
	b.running = true
	b.submitted = append(b.submitted, code)
	b.publishers.Add(1)
	b.mu.Unlock()

	go b.publish(msgID, b.handler(code))
	return nil
}

// Recv implements kernel.Backend. Messages published before a failure are
// still delivered.
func (b *Backend) Recv() (*wire.Message, error) {
	select {
	case m := <-b.out:
		return m, nil
	case <-b.failed:
		select {
		case m := <-b.out:
			return m, nil
		default:
			return nil, b.failErr
		}
	}
}

// Close implements kernel.Backend. It returns once every reply still being
// published has stopped.
func (b *Backend) Close(ctx context.Context) error {
	b.fail(ErrClosed)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.publishers.Wait()
	return nil
}

// Kill fails the channel as if the kernel process died.
func (b *Backend) Kill() {
	b.fail(ErrCrashed)
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Overlaps counts submissions that arrived while another execution was
// still publishing.
func (b *Backend) Overlaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlaps
}

// Submitted returns the code of every submission in order.
func (b *Backend) Submitted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.submitted...)
}

// Publish sends e as if it answered the request with id parent.
func (b *Backend) Publish(parent string, e Event) {
	b.emit(wire.Header{MsgID: parent, MsgType: wire.TypeExecuteRequest}, e)
}

func (b *Backend) publish(msgID string, r Reply) {
	defer b.publishers.Done()
	parent := wire.Header{MsgID: msgID, MsgType: wire.TypeExecuteRequest}

	for _, e := range r.Stray {
		b.emit(wire.Header{MsgID: wire.NewSessionID(), MsgType: wire.TypeExecuteRequest}, e)
	}
	if !b.emit(parent, Status(kernel.StateBusy)) {
		return
	}
	for _, e := range r.Events {
		if r.Delay > 0 {
			select {
			case <-time.After(r.Delay):
			case <-b.failed:
				return
			}
		}
		if !b.emit(parent, e) {
			return
		}
	}
	if r.Crash {
		b.fail(ErrCrashed)
		return
	}
	if r.Hang {
		return
	}

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.emit(parent, Status(kernel.StateIdle))
}

func (b *Backend) emit(parent wire.Header, e Event) bool {
	m, err := wire.New(b.session, e.Type, e.Content)
	if err != nil {
		panic(err)
	}
	m.ParentHeader = parent
	m.Channel = wire.ChannelIOPub

	select {
	case b.out <- m:
		return true
	case <-b.failed:
		return false
	}
}

func (b *Backend) fail(err error) {
	b.failOnce.Do(func() {
		b.failErr = err
		close(b.failed)
	})
}
