package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/sandbox/aggregate"
	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/kerneltest"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own fake kernel, so tests can crash or wedge their
// session freely. Kernels answer like IPython unless a test supplies its own
// handler.
// ---------------------------------------------------------------------------

// testEnv bundles a server, its fake kernel launcher and an HTTP test server.
type testEnv struct {
	Launcher *kerneltest.Launcher
	Server   *SandboxServer
	HTTP     *httptest.Server
}

// newTestEnv starts a session on a fake kernel and serves it. The message
// timeout is short so hang tests finish quickly.
func newTestEnv(t *testing.T, h kerneltest.Handler, opts ...ServerOption) *testEnv {
	t.Helper()
	l := kerneltest.NewLauncher(h)
	factory := func() *kernel.Session {
		return kernel.NewSession(l, kernel.WithStartupTimeout(time.Second))
	}

	session := factory()
	if err := session.Start(bg()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	opts = append([]ServerOption{
		WithSessionFactory(factory),
		WithAggregator(aggregate.New(aggregate.WithMessageTimeout(100 * time.Millisecond))),
	}, opts...)
	srv := New(session, opts...)
	hs := httptest.NewUnstartedServer(srv.Handler())
	hs.Config.Protocols = serverProtocols()
	hs.Start()

	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(bg(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return &testEnv{Launcher: l, Server: srv, HTTP: hs}
}

// ---------------------------------------------------------------------------
// Request builder helpers.
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

// h2cClient speaks HTTP/2 without TLS, as gRPC clients do.
func h2cClient() *http.Client {
	p := new(http.Protocols)
	p.SetUnencryptedHTTP2(true)
	return &http.Client{Transport: &http.Transport{Protocols: p}}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// markTerminated is a worker function that wedges the current session.
func markTerminated(_ context.Context, s *kernel.Session) (any, error) {
	s.MarkTerminated()
	return nil, nil
}
