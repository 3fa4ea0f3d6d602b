// Package client calls a sandbox server from Go.
package client

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
)

// Sandbox runs code remotely. Implementations are safe for concurrent use.
type Sandbox interface {
	RunCode(ctx context.Context, code string) (*sandboxv1.RunCodeResponse, error)
	Healthcheck(ctx context.Context) error
}

// Option configures a Client.
type Option func(*config)

type config struct {
	httpClient connect.HTTPClient
	codec      connect.Codec
	opts       []connect.ClientOption
}

// WithHTTPClient sets the HTTP client. Use an HTTP/2 capable client
// together with WithGRPC.
func WithHTTPClient(c connect.HTTPClient) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithCodec selects the wire codec, one of sandboxv1.ProtoCodec (default),
// sandboxv1.JSONCodec or sandboxv1.CBORCodec.
func WithCodec(codec connect.Codec) Option {
	return func(cfg *config) { cfg.codec = codec }
}

// WithGRPC speaks the gRPC protocol instead of Connect.
func WithGRPC() Option {
	return func(cfg *config) { cfg.opts = append(cfg.opts, connect.WithGRPC()) }
}

// WithClientOptions passes Connect client options through, such as
// interceptors.
func WithClientOptions(opts ...connect.ClientOption) Option {
	return func(cfg *config) { cfg.opts = append(cfg.opts, opts...) }
}

// Client is the Connect implementation of Sandbox.
type Client struct {
	rpc sandboxv1.SandboxClient
}

// New returns a Client for the server at baseURL, e.g.
// "http://localhost:8812".
func New(baseURL string, opts ...Option) *Client {
	cfg := &config{
		httpClient: http.DefaultClient,
		codec:      sandboxv1.ProtoCodec,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	copts := append([]connect.ClientOption{connect.WithCodec(cfg.codec)}, cfg.opts...)
	return &Client{rpc: sandboxv1.NewSandboxClient(cfg.httpClient, baseURL, copts...)}
}

// RunCode executes code and returns its complete output. Kernel failures
// arrive as *connect.Error with code Unavailable.
func (c *Client) RunCode(ctx context.Context, code string) (*sandboxv1.RunCodeResponse, error) {
	resp, err := c.rpc.RunCode(ctx, connect.NewRequest(&sandboxv1.RunCodeRequest{Code: code}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Healthcheck returns nil while the server's kernel is usable.
func (c *Client) Healthcheck(ctx context.Context) error {
	_, err := c.rpc.Healthcheck(ctx, connect.NewRequest(&sandboxv1.HealthcheckRequest{}))
	return err
}

// Mock is a Sandbox that runs nothing and returns empty output.
type Mock struct{}

func (Mock) RunCode(ctx context.Context, code string) (*sandboxv1.RunCodeResponse, error) {
	return &sandboxv1.RunCodeResponse{Results: []*sandboxv1.Result{}}, nil
}

func (Mock) Healthcheck(ctx context.Context) error { return nil }

var (
	_ Sandbox = (*Client)(nil)
	_ Sandbox = Mock{}
)
