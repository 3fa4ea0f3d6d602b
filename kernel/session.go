// Package kernel owns the lifecycle of one interactive execution backend and
// turns its asynchronous IOPub channel into per-execution message streams.
//
// A Session is started once, executes one request at a time and is shut
// down once:
//
//	s := kernel.NewSession(launcher)
//	if err := s.Start(ctx); err != nil {
//		// errors.Is(err, kernel.ErrStartup)
//	}
//	defer s.Shutdown(context.Background())
//
//	stream, err := s.Execute(ctx, "2 + 2")
//	msg, err := stream.Next(ctx, 10*time.Second)
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var (
	log    = commonlog.GetLogger("sandbox.kernel")
	tracer = otel.Tracer("github.com/chazu/sandbox/kernel")
)

const (
	// DefaultStartupTimeout bounds Launcher.Launch.
	DefaultStartupTimeout = 60 * time.Second

	// DefaultShutdownTimeout bounds Backend.Close during Shutdown.
	DefaultShutdownTimeout = 5 * time.Second

	messageBuffer = 1024
)

// Option configures a Session.
type Option func(*Session)

// WithStartupTimeout sets the deadline for the backend handshake.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.startupTimeout = d
		}
	}
}

// WithShutdownTimeout sets how long Shutdown waits for the backend to exit
// before the launcher forces it down.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// delivery is a decoded message tagged with the execution it belongs to.
type delivery struct {
	parent string
	msg    Message
}

// Session is one kernel backend and its lifecycle state. Terminated is
// absorbing: a terminated Session is replaced, never restarted.
type Session struct {
	launcher        Launcher
	startupTimeout  time.Duration
	shutdownTimeout time.Duration

	msgs   chan delivery
	dead   chan struct{} // closed by the pump when the backend channel fails
	closed chan struct{} // closed when resources are released

	mu       sync.Mutex
	state    State
	backend  Backend
	parent   string // msg id of the execution in flight
	cause    error
	released bool
}

// NewSession creates an Uninitialized session that will launch its backend
// through l.
func NewSession(l Launcher, opts ...Option) *Session {
	s := &Session{
		launcher:        l,
		startupTimeout:  DefaultStartupTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		msgs:            make(chan delivery, messageBuffer),
		dead:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the backend and blocks until it is ready or the startup
// deadline passes. On failure the session is Terminated with nothing left
// to release.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != Uninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrStartup, state)
	}
	s.state = Starting
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "kernel.Session.Start")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	launchCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	b, err := s.launcher.Launch(launchCtx)
	if err != nil {
		s.release()
		log.Errorf("kernel startup failed: %v", err)
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		if closeErr := s.closeBackend(context.Background(), b); closeErr != nil {
			log.Warningf("closing backend after aborted startup: %v", closeErr)
		}
		return fmt.Errorf("%w: session shut down while starting", ErrStartup)
	}
	s.backend = b
	s.state = Ready
	s.mu.Unlock()

	go s.pump(b)

	log.Info("kernel session ready")
	return nil
}

// Execute submits code and returns the stream of messages it produces.
// The session must be Ready; it stays Busy until the stream observes idle.
func (s *Session) Execute(ctx context.Context, code string) (*Stream, error) {
	s.mu.Lock()
	if s.state != Ready {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotReady, state)
	}
	select {
	case <-s.dead:
		cause := s.cause
		s.state = Terminated
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrKernelUnavailable, cause)
	default:
	}

	id := uuid.NewString()
	s.state = Busy
	s.parent = id
	b := s.backend
	s.mu.Unlock()

	if err := b.Submit(ctx, id, code); err != nil {
		s.MarkTerminated()
		return nil, fmt.Errorf("%w: submit: %w", ErrKernelUnavailable, err)
	}
	log.Debugf("submitted execution %s", id)

	return &Stream{session: s, id: id}, nil
}

// MarkReady ends the execution in flight (Busy -> Ready).
func (s *Session) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Busy {
		s.state = Ready
		s.parent = ""
	}
}

// MarkTerminated records that the backend can no longer be trusted. It does
// not release resources; Shutdown does.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Terminated {
		log.Warningf("kernel session marked terminated (was %s)", s.state)
	}
	s.state = Terminated
	s.parent = ""
}

// Shutdown releases the channel and terminates the backend. It is
// idempotent and may be called from any state.
func (s *Session) Shutdown(ctx context.Context) error {
	b := s.release()
	if b == nil {
		return nil
	}
	log.Info("shutting down kernel session")
	return s.closeBackend(ctx, b)
}

// finish moves the session back to Ready if id is still the execution in
// flight.
func (s *Session) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Busy && s.parent == id {
		s.state = Ready
		s.parent = ""
	}
}

// release marks the session Terminated and detaches its backend. It returns
// nil if resources were already released or never acquired.
func (s *Session) release() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Terminated
	s.parent = ""
	if s.released {
		return nil
	}
	s.released = true
	close(s.closed)
	b := s.backend
	s.backend = nil
	return b
}

func (s *Session) closeBackend(ctx context.Context, b Backend) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		return fmt.Errorf("close kernel backend: %w", err)
	}
	return nil
}

// failure returns why the backend channel died.
func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		return fmt.Errorf("kernel channel closed")
	}
	return s.cause
}

// pump is the only reader of the backend. It forwards messages that belong
// to the execution in flight, in arrival order, and drops everything else.
// When the backend fails the session becomes Terminated.
func (s *Session) pump(b Backend) {
	defer close(s.dead)
	for {
		raw, err := b.Recv()
		if err != nil {
			s.mu.Lock()
			s.cause = err
			released := s.released
			if !released {
				// A dead backend is never usable again, whether or not an
				// execution was in flight.
				s.state = Terminated
				s.parent = ""
			}
			s.mu.Unlock()
			if !released {
				log.Errorf("kernel channel failed: %v", err)
			}
			return
		}

		s.mu.Lock()
		parent := s.parent
		s.mu.Unlock()
		if parent == "" || raw.ParentID() != parent {
			log.Debugf("dropping %s for parent %q", raw.Type(), raw.ParentID())
			continue
		}

		msg, err := Decode(raw.Type(), raw.Content)
		if err != nil {
			log.Warningf("dropping message: %v", err)
			continue
		}

		select {
		case s.msgs <- delivery{parent: parent, msg: msg}:
		case <-s.closed:
			return
		}
	}
}
