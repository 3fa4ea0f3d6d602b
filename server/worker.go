package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/chazu/sandbox/kernel"
)

// DefaultMaxPending is the default queue bound of a KernelWorker.
const DefaultMaxPending = 64

// SessionFactory creates an unstarted session. The worker calls it to
// replace a terminated session.
type SessionFactory func() *kernel.Session

// kernelRequest represents a unit of work to be executed on the worker
// goroutine.
type kernelRequest struct {
	ctx  context.Context
	fn   func(context.Context, *kernel.Session) (any, error)
	done chan kernelResult
}

// kernelResult holds the return value of a kernel operation.
type kernelResult struct {
	value any
	err   error
}

// KernelWorker serializes all kernel access through a single goroutine.
// A kernel runs one cell at a time; every handler goes through the worker so
// executions never overlap and run in arrival order.
//
// Before each request the worker replaces a Terminated session with a fresh
// one from the factory. If that fails the request fails and the next one
// tries again.
type KernelWorker struct {
	factory  SessionFactory
	requests chan kernelRequest
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// ctx is cancelled by Stop and bounds executions already under way.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *kernel.Session
}

// NewKernelWorker creates a KernelWorker that owns session and starts the
// processing goroutine. session should already be started. At most
// maxPending requests wait in the queue; a value <= 0 selects
// DefaultMaxPending.
func NewKernelWorker(session *kernel.Session, factory SessionFactory, maxPending int) *KernelWorker {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &KernelWorker{
		factory:  factory,
		session:  session,
		requests: make(chan kernelRequest, maxPending),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go w.loop()
	return w
}

// loop processes kernel requests sequentially on a dedicated goroutine.
func (w *KernelWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			if err := req.ctx.Err(); err != nil {
				log.Debugf("skipping abandoned request: %v", err)
				req.done <- kernelResult{err: err}
				continue
			}
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs a request against a usable session, recovering from panics.
// The function sees the caller's context values but is cancelled only by
// Stop: once started, an execution runs until the kernel is idle.
func (w *KernelWorker) execute(req kernelRequest) (result kernelResult) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.ctx))
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	session, err := w.ensureSession(ctx)
	if err != nil {
		return kernelResult{err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			session.MarkTerminated()
			result = kernelResult{err: fmt.Errorf("%w: panic: %v", kernel.ErrKernelUnavailable, r)}
		}
	}()
	result.value, result.err = req.fn(ctx, session)
	return result
}

// ensureSession returns the current session, first replacing it if it is
// Terminated.
func (w *KernelWorker) ensureSession(ctx context.Context) (*kernel.Session, error) {
	w.mu.Lock()
	old := w.session
	w.mu.Unlock()

	if old != nil && old.State() != kernel.Terminated {
		return old, nil
	}
	if w.factory == nil {
		return nil, fmt.Errorf("%w: session terminated and cannot be restarted", kernel.ErrKernelUnavailable)
	}

	log.Warning("kernel session terminated, restarting")
	if old != nil {
		if err := old.Shutdown(ctx); err != nil {
			log.Warningf("releasing terminated session: %v", err)
		}
	}

	fresh := w.factory()
	w.mu.Lock()
	w.session = fresh
	w.mu.Unlock()

	if err := fresh.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: restart: %w", kernel.ErrKernelUnavailable, err)
	}
	log.Info("kernel session restarted")
	return fresh, nil
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes or ctx is done. A full queue fails immediately with
// ErrOverloaded. If ctx ends while the request is queued it is skipped; if
// it ends during execution the execution still completes and its result is
// discarded.
func (w *KernelWorker) Do(ctx context.Context, fn func(context.Context, *kernel.Session) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrStopped
	default:
	}

	req := kernelRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan kernelResult, 1),
	}
	select {
	case w.requests <- req:
	default:
		return nil, ErrOverloaded
	}

	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stopped:
		select {
		case result := <-req.done:
			return result.value, result.err
		default:
			return nil, ErrStopped
		}
	}
}

// Healthy reports whether the worker is running and its session has not
// terminated.
func (w *KernelWorker) Healthy() bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	return w.State() != kernel.Terminated
}

// State returns the state of the current session.
func (w *KernelWorker) State() kernel.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return kernel.Terminated
	}
	return w.session.State()
}

// Pending returns the number of queued requests.
func (w *KernelWorker) Pending() int {
	return len(w.requests)
}

// Stop cancels the execution in flight, shuts the worker goroutine down and
// then shuts down the kernel session. It waits for the goroutine at most
// until ctx is done. Stop is idempotent.
func (w *KernelWorker) Stop(ctx context.Context) error {
	first := false
	w.stopOnce.Do(func() {
		first = true
		close(w.quit)
		w.cancel()
	})

	select {
	case <-w.stopped:
	case <-ctx.Done():
		log.Warningf("kernel worker did not stop in time: %v", ctx.Err())
	}
	if !first {
		return nil
	}

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Shutdown(ctx)
}
