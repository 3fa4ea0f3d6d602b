package server

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/sandbox/aggregate"
	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/kerneltest"
)

func runCode(t *testing.T, env *testEnv, code string) (*sandboxv1.RunCodeResponse, error) {
	t.Helper()
	resp, err := env.Server.Service().RunCode(bg(), connectReq(&sandboxv1.RunCodeRequest{Code: code}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// ---------------------------------------------------------------------------
// RunCode: happy paths
// ---------------------------------------------------------------------------

func TestRunCode_Print(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := runCode(t, env, "print('hello')")
	if err != nil {
		t.Fatalf("RunCode returned error: %v", err)
	}
	if len(resp.Results) != 0 || resp.Stdout != "hello\n" || resp.Stderr != "" {
		t.Errorf("RunCode = %+v, want stdout hello only", resp)
	}
}

func TestRunCode_Exception(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := runCode(t, env, "1/0")
	if err != nil {
		t.Fatalf("RunCode returned error: %v", err)
	}
	if !strings.Contains(resp.Stderr, "ZeroDivisionError") {
		t.Errorf("Stderr = %q, want ZeroDivisionError", resp.Stderr)
	}
	if len(resp.Results) != 0 || resp.Stdout != "" {
		t.Errorf("RunCode = %+v, want only stderr", resp)
	}
}

func TestRunCode_Assignment(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := runCode(t, env, "x = 1")
	if err != nil {
		t.Fatalf("RunCode returned error: %v", err)
	}
	if len(resp.Results) != 0 || resp.Stdout != "" || resp.Stderr != "" {
		t.Errorf("RunCode = %+v, want empty response", resp)
	}
}

func TestRunCode_Expression(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := runCode(t, env, "2 + 2")
	if err != nil {
		t.Fatalf("RunCode returned error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Text != "4" || resp.Results[0].Image != nil {
		t.Errorf("Results = %+v, want [{4 <nil>}]", resp.Results)
	}
}

func TestRunCode_EmptyCode(t *testing.T) {
	env := newTestEnv(t, func(code string) kerneltest.Reply {
		return kerneltest.Reply{}
	})

	resp, err := runCode(t, env, "")
	if err != nil {
		t.Fatalf("RunCode returned error: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("Results = %+v, want none", resp.Results)
	}
}

// ---------------------------------------------------------------------------
// RunCode: serialization
// ---------------------------------------------------------------------------

func TestRunCode_ConcurrentCallersNeverOverlap(t *testing.T) {
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := runCode(t, env, "time.sleep(0.002)\nprint('x')")
			if err != nil {
				errs <- err
				return
			}
			if resp.Stdout != "x\n" {
				errs <- errors.New("stdout leaked between executions: " + resp.Stdout)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	b := env.Launcher.Backend(0)
	if b.Overlaps() != 0 {
		t.Errorf("kernel saw %d overlapping executions", b.Overlaps())
	}
	if len(b.Submitted()) != 16 {
		t.Errorf("kernel saw %d submissions, want 16", len(b.Submitted()))
	}
}

// ---------------------------------------------------------------------------
// RunCode: failures and recovery
// ---------------------------------------------------------------------------

func TestRunCode_TimeoutThenRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := runCode(t, env, "x = 1"); err != nil {
		t.Fatalf("RunCode: %v", err)
	}

	_, err := runCode(t, env, "while True: pass")
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("RunCode code = %v (%v), want Unavailable", connect.CodeOf(err), err)
	}
	if !errors.Is(err, kernel.ErrKernelUnavailable) || !errors.Is(err, kernel.ErrExecutionTimeout) {
		t.Errorf("RunCode error = %v, want ErrKernelUnavailable from a timeout", err)
	}

	if _, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{})); connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("Healthcheck after timeout = %v, want Unavailable", err)
	}

	resp, err := runCode(t, env, "2 + 2")
	if err != nil {
		t.Fatalf("RunCode after restart: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Text != "4" {
		t.Errorf("Results = %+v", resp.Results)
	}
	if env.Launcher.Launches() != 2 {
		t.Errorf("Launches = %d, want 2", env.Launcher.Launches())
	}
	if !env.Launcher.Backend(0).Closed() {
		t.Error("wedged kernel was not shut down")
	}
}

func TestRunCode_CrashThenRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := runCode(t, env, "os._exit(1)")
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("RunCode code = %v (%v), want Unavailable", connect.CodeOf(err), err)
	}
	if errors.Is(err, kernel.ErrExecutionTimeout) {
		t.Errorf("crash reported as timeout: %v", err)
	}

	if _, err := runCode(t, env, "print('back')"); err != nil {
		t.Fatalf("RunCode after crash: %v", err)
	}
}

func TestRunCode_RestartFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := runCode(t, env, "os._exit(1)"); err == nil {
		t.Fatal("crash should fail")
	}

	env.Launcher.SetErr(errors.New("out of memory"))
	_, err := runCode(t, env, "2 + 2")
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("RunCode code = %v (%v), want Unavailable", connect.CodeOf(err), err)
	}

	env.Launcher.SetErr(nil)
	if _, err := runCode(t, env, "2 + 2"); err != nil {
		t.Fatalf("RunCode after launcher recovered: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Healthcheck
// ---------------------------------------------------------------------------

func TestHealthcheck_OK(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{})); err != nil {
		t.Fatalf("Healthcheck: %v", err)
	}
}

func TestHealthcheck_AfterStop(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Server.Stop(bg()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{}))
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("Healthcheck = %v, want Unavailable", err)
	}
	if _, err := runCode(t, env, "1"); connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("RunCode after Stop = %v, want Unavailable", err)
	}
}

func TestHealthcheck_KernelDiedWhileIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := runCode(t, env, "print('a')"); err != nil {
		t.Fatalf("RunCode: %v", err)
	}

	env.Launcher.Backend(0).Kill()
	waitFor(t, "session to terminate", func() bool { return env.Server.worker.State() == kernel.Terminated })

	_, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{}))
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("Healthcheck = %v, want Unavailable", err)
	}

	resp, err := runCode(t, env, "print('back')")
	if err != nil {
		t.Fatalf("first RunCode after the kernel died: %v", err)
	}
	if resp.Stdout != "back\n" {
		t.Errorf("Stdout = %q", resp.Stdout)
	}
	if n := env.Launcher.Launches(); n != 2 {
		t.Errorf("Launches = %d, want 2", n)
	}
	if _, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{})); err != nil {
		t.Errorf("Healthcheck after restart: %v", err)
	}
}

func TestHealthcheck_DuringExecution(t *testing.T) {
	env := newTestEnv(t, nil, WithAggregator(aggregate.New(aggregate.WithMessageTimeout(5*time.Second))))

	done := make(chan error, 1)
	go func() {
		_, err := runCode(t, env, "time.sleep(0.5)")
		done <- err
	}()
	waitFor(t, "execution to start", func() bool { return env.Server.worker.State() == kernel.Busy })

	if _, err := env.Server.Service().Healthcheck(bg(), connectReq(&sandboxv1.HealthcheckRequest{})); err != nil {
		t.Errorf("Healthcheck while busy: %v", err)
	}
	check := connect.NewClient[healthpb.HealthCheckRequest, healthpb.HealthCheckResponse](
		h2cClient(), env.HTTP.URL+healthpb.Health_Check_FullMethodName, connect.WithGRPC())
	resp, err := check.CallUnary(bg(), connectReq(&healthpb.HealthCheckRequest{}))
	if err != nil {
		t.Fatalf("Check while busy: %v", err)
	}
	if resp.Msg.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Check while busy = %v, want SERVING", resp.Msg.GetStatus())
	}
	if env.Server.worker.State() != kernel.Busy {
		t.Error("execution finished before the health checks; they did not overlap it")
	}

	if err := <-done; err != nil {
		t.Fatalf("RunCode: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestConnectError_Codes(t *testing.T) {
	cases := []struct {
		err  error
		want connect.Code
	}{
		{ErrOverloaded, connect.CodeResourceExhausted},
		{ErrStopped, connect.CodeUnavailable},
		{kernel.ErrKernelUnavailable, connect.CodeUnavailable},
		{kernel.ErrSessionNotReady, connect.CodeInternal},
		{errors.New("other"), connect.CodeInternal},
		{connect.NewError(connect.CodeNotFound, errors.New("x")), connect.CodeNotFound},
	}
	for _, tc := range cases {
		if got := connectError(tc.err).Code(); got != tc.want {
			t.Errorf("connectError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
