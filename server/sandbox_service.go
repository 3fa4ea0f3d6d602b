package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chazu/sandbox/aggregate"
	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
	"github.com/chazu/sandbox/kernel"
)

// SandboxService implements the sandbox.v1.Sandbox Connect handler.
type SandboxService struct {
	worker     *KernelWorker
	aggregator *aggregate.Aggregator
}

// NewSandboxService creates a SandboxService.
func NewSandboxService(worker *KernelWorker, aggregator *aggregate.Aggregator) *SandboxService {
	return &SandboxService{
		worker:     worker,
		aggregator: aggregator,
	}
}

// RunCode executes code on the kernel and returns everything it produced.
func (s *SandboxService) RunCode(
	ctx context.Context,
	req *connect.Request[sandboxv1.RunCodeRequest],
) (*connect.Response[sandboxv1.RunCodeResponse], error) {
	resp, err := s.Run(ctx, req.Msg.Code)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(resp), nil
}

// Healthcheck succeeds while the kernel session is usable.
func (s *SandboxService) Healthcheck(
	ctx context.Context,
	req *connect.Request[sandboxv1.HealthcheckRequest],
) (*connect.Response[sandboxv1.HealthcheckResponse], error) {
	if !s.worker.Healthy() {
		return nil, connect.NewError(connect.CodeUnavailable,
			fmt.Errorf("kernel session is %s", s.worker.State()))
	}
	return connect.NewResponse(&sandboxv1.HealthcheckResponse{}), nil
}

// Run executes code through the worker. Timeouts and channel failures
// terminate the session so that the next request starts a fresh one; both
// surface as kernel.ErrKernelUnavailable.
func (s *SandboxService) Run(ctx context.Context, code string) (resp *sandboxv1.RunCodeResponse, err error) {
	ctx, span := tracer.Start(ctx, "sandbox.RunCode")
	span.SetAttributes(attribute.Int("sandbox.code.length", len(code)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("sandbox.results", len(resp.Results)))
		}
		span.End()
	}()

	v, err := s.worker.Do(ctx, func(ctx context.Context, session *kernel.Session) (any, error) {
		return s.execute(ctx, session, code)
	})
	if err != nil {
		log.Warningf("RunCode failed: %v", err)
		return nil, err
	}
	return v.(*sandboxv1.RunCodeResponse), nil
}

// execute runs on the worker goroutine.
func (s *SandboxService) execute(ctx context.Context, session *kernel.Session, code string) (*sandboxv1.RunCodeResponse, error) {
	stream, err := session.Execute(ctx, code)
	if err != nil {
		if errors.Is(err, kernel.ErrKernelUnavailable) {
			session.MarkTerminated()
		}
		return nil, err
	}

	resp, err := s.aggregator.Collect(ctx, stream)
	if err != nil {
		session.MarkTerminated()
		if errors.Is(err, kernel.ErrExecutionTimeout) {
			return nil, fmt.Errorf("%w: %w", kernel.ErrKernelUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}
