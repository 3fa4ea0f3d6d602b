package sandboxv1

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

const (
	// SandboxName is the fully-qualified name of the Sandbox service.
	SandboxName = "sandbox.v1.Sandbox"

	// SandboxRunCodeProcedure is the path of the RunCode RPC.
	SandboxRunCodeProcedure = "/sandbox.v1.Sandbox/RunCode"
	// SandboxHealthcheckProcedure is the path of the Healthcheck RPC.
	SandboxHealthcheckProcedure = "/sandbox.v1.Sandbox/Healthcheck"
)

// SandboxHandler is the server side of sandbox.v1.Sandbox.
type SandboxHandler interface {
	RunCode(context.Context, *connect.Request[RunCodeRequest]) (*connect.Response[RunCodeResponse], error)
	Healthcheck(context.Context, *connect.Request[HealthcheckRequest]) (*connect.Response[HealthcheckResponse], error)
}

// NewSandboxHandler builds an HTTP handler serving svc over the Connect,
// gRPC and gRPC-Web protocols with every codec of this package. It returns
// the path to mount the handler on.
func NewSandboxHandler(svc SandboxHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(Codecs(), opts...)
	runCode := connect.NewUnaryHandler(
		SandboxRunCodeProcedure,
		svc.RunCode,
		append(opts[:len(opts):len(opts)], connect.WithSchema(runCodeMethod))...,
	)
	healthcheck := connect.NewUnaryHandler(
		SandboxHealthcheckProcedure,
		svc.Healthcheck,
		append(opts[:len(opts):len(opts)], connect.WithSchema(healthcheckMethod), connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
	)
	return "/" + SandboxName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SandboxRunCodeProcedure:
			runCode.ServeHTTP(w, r)
		case SandboxHealthcheckProcedure:
			healthcheck.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// SandboxClient is the client side of sandbox.v1.Sandbox.
type SandboxClient interface {
	RunCode(context.Context, *connect.Request[RunCodeRequest]) (*connect.Response[RunCodeResponse], error)
	Healthcheck(context.Context, *connect.Request[HealthcheckRequest]) (*connect.Response[HealthcheckResponse], error)
}

// NewSandboxClient returns a client for the service at baseURL. It speaks
// binary protobuf unless opts select another codec with connect.WithCodec.
func NewSandboxClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) SandboxClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(ProtoCodec)}, opts...)
	return &sandboxClient{
		runCode: connect.NewClient[RunCodeRequest, RunCodeResponse](
			httpClient,
			baseURL+SandboxRunCodeProcedure,
			append(opts[:len(opts):len(opts)], connect.WithSchema(runCodeMethod))...,
		),
		healthcheck: connect.NewClient[HealthcheckRequest, HealthcheckResponse](
			httpClient,
			baseURL+SandboxHealthcheckProcedure,
			append(opts[:len(opts):len(opts)], connect.WithSchema(healthcheckMethod), connect.WithIdempotency(connect.IdempotencyNoSideEffects))...,
		),
	}
}

type sandboxClient struct {
	runCode     *connect.Client[RunCodeRequest, RunCodeResponse]
	healthcheck *connect.Client[HealthcheckRequest, HealthcheckResponse]
}

func (c *sandboxClient) RunCode(ctx context.Context, req *connect.Request[RunCodeRequest]) (*connect.Response[RunCodeResponse], error) {
	return c.runCode.CallUnary(ctx, req)
}

func (c *sandboxClient) Healthcheck(ctx context.Context, req *connect.Request[HealthcheckRequest]) (*connect.Response[HealthcheckResponse], error) {
	return c.healthcheck.CallUnary(ctx, req)
}
