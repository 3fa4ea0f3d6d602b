package server

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
)

// HealthService answers the standard grpc.health.v1.Health/Check RPC so
// orchestrators can probe the server without knowing the sandbox API.
// Watch is not offered.
type HealthService struct {
	worker *KernelWorker
}

// NewHealthService creates a HealthService reporting on worker.
func NewHealthService(worker *KernelWorker) *HealthService {
	return &HealthService{worker: worker}
}

// Check reports SERVING for the server as a whole ("") and for the sandbox
// service while the kernel session is usable, NOT_SERVING otherwise.
func (s *HealthService) Check(
	ctx context.Context,
	req *connect.Request[healthpb.HealthCheckRequest],
) (*connect.Response[healthpb.HealthCheckResponse], error) {
	switch req.Msg.GetService() {
	case "", sandboxv1.SandboxName:
	default:
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown service %q", req.Msg.GetService()))
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !s.worker.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	return connect.NewResponse(&healthpb.HealthCheckResponse{Status: status}), nil
}

// newHealthHandler returns the mount path and handler for svc.
func newHealthHandler(svc *HealthService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(sandboxv1.Codecs(), opts...)
	return healthpb.Health_Check_FullMethodName, connect.NewUnaryHandler(
		healthpb.Health_Check_FullMethodName,
		svc.Check,
		append(opts,
			connect.WithSchema(healthpb.File_grpc_health_v1_health_proto.Services().ByName("Health").Methods().ByName("Check")),
			connect.WithIdempotency(connect.IdempotencyNoSideEffects),
		)...,
	)
}
