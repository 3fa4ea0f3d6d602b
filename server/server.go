package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"go.opentelemetry.io/otel"

	"github.com/chazu/sandbox/aggregate"
	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
	"github.com/chazu/sandbox/kernel"
)

var (
	log    = commonlog.GetLogger("sandbox.server")
	tracer = otel.Tracer("github.com/chazu/sandbox/server")
)

// SandboxServer is the code execution server wrapping one kernel session.
// It serves Connect, gRPC and gRPC-Web on the same port, plus the gRPC
// health protocol and an MCP endpoint.
type SandboxServer struct {
	worker  *KernelWorker
	service *SandboxService
	mux     *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerOption configures a SandboxServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	factory     SessionFactory
	maxPending  int
	aggregator  *aggregate.Aggregator
	handlerOpts []connect.HandlerOption
	version     string
	mcp         bool
}

// WithSessionFactory sets how a terminated session is replaced. Without it
// the server cannot recover from a kernel failure.
func WithSessionFactory(f SessionFactory) ServerOption {
	return func(c *serverConfig) { c.factory = f }
}

// WithMaxPending bounds the number of queued executions.
func WithMaxPending(n int) ServerOption {
	return func(c *serverConfig) { c.maxPending = n }
}

// WithAggregator sets the aggregator used to fold kernel output.
func WithAggregator(a *aggregate.Aggregator) ServerOption {
	return func(c *serverConfig) { c.aggregator = a }
}

// WithHandlerOptions adds Connect handler options, such as interceptors, to
// every RPC handler.
func WithHandlerOptions(opts ...connect.HandlerOption) ServerOption {
	return func(c *serverConfig) { c.handlerOpts = append(c.handlerOpts, opts...) }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) ServerOption {
	return func(c *serverConfig) { c.version = v }
}

// WithoutMCP disables the /mcp endpoint.
func WithoutMCP() ServerOption {
	return func(c *serverConfig) { c.mcp = false }
}

// New creates a SandboxServer that owns session. The session should already
// be started; the server shuts it down on Stop.
func New(session *kernel.Session, opts ...ServerOption) *SandboxServer {
	cfg := &serverConfig{
		maxPending: DefaultMaxPending,
		version:    "dev",
		mcp:        true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.aggregator == nil {
		cfg.aggregator = aggregate.New()
	}

	worker := NewKernelWorker(session, cfg.factory, cfg.maxPending)
	s := &SandboxServer{
		worker:  worker,
		service: NewSandboxService(worker, cfg.aggregator),
		mux:     http.NewServeMux(),
	}

	// Register Connect/gRPC service handlers
	sandboxPath, sandboxHandler := sandboxv1.NewSandboxHandler(s.service, cfg.handlerOpts...)
	healthPath, healthHandler := newHealthHandler(NewHealthService(worker), cfg.handlerOpts...)

	s.mux.Handle(sandboxPath, sandboxHandler)
	s.mux.Handle(healthPath, healthHandler)
	if cfg.mcp {
		s.mux.Handle(mcpPath, newMCPHandler(newMCPServer(s.service, cfg.version)))
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *SandboxServer) Handler() http.Handler {
	return s.mux
}

// Service returns the RunCode implementation behind the handlers.
func (s *SandboxServer) Service() *SandboxService {
	return s.service
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Stop. The address should be in the form "host:port" or ":port".
// HTTP/2 is accepted without TLS so gRPC clients can connect directly.
func (s *SandboxServer) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         serverProtocols(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	fmt.Printf("Sandbox server listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", addr, sandboxv1.SandboxRunCodeProcedure)
	fmt.Printf("  gRPC (binary):       grpc://%s\n", addr)
	fmt.Printf("  MCP:                 http://%s%s\n", addr, mcpPath)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serverProtocols accepts HTTP/1.1 and HTTP/2 with prior knowledge (h2c).
func serverProtocols() *http.Protocols {
	p := new(http.Protocols)
	p.SetHTTP1(true)
	p.SetUnencryptedHTTP2(true)
	return p
}

// Stop stops accepting requests, waits for in-flight ones until ctx is done,
// then shuts down the worker and the kernel session.
func (s *SandboxServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("kernel shutdown: %w", err))
	}
	return errors.Join(errs...)
}
