// Package local launches a kernel as a child process and talks to it over
// ZeroMQ, the way Jupyter front ends do.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/tliron/commonlog"

	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/wire"
)

var log = commonlog.GetLogger("sandbox.kernel.local")

// DefaultHandshakeInterval is how often kernel_info_request is resent while
// waiting for the kernel to answer on both channels.
const DefaultHandshakeInterval = 500 * time.Millisecond

var (
	// ErrClosed is returned by Recv and Submit after Close.
	ErrClosed = errors.New("kernel backend closed")
	// ErrExited is returned when the kernel process exits on its own.
	ErrExited = errors.New("kernel process exited")
)

// Launcher starts a kernel process from a kernelspec-style argv in which
// config.ConnectionFileArg stands for the connection file path.
type Launcher struct {
	Argv []string
	IP   string

	// Env is appended to the server's environment.
	Env []string
	Dir string

	HandshakeInterval time.Duration
}

// Launch writes a connection file, starts the process, connects the shell,
// control and IOPub channels and waits for the kernel_info handshake. On
// error everything acquired so far is released.
func (l *Launcher) Launch(ctx context.Context) (kernel.Backend, error) {
	if len(l.Argv) == 0 {
		return nil, errors.New("empty kernel argv")
	}
	ip := l.IP
	if ip == "" {
		ip = "127.0.0.1"
	}

	info, err := NewConnectionInfo(ip)
	if err != nil {
		return nil, err
	}
	path, err := info.WriteFile()
	if err != nil {
		return nil, err
	}

	argv := ExpandArgv(l.Argv, path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = &lineWriter{stream: "stdout"}
	cmd.Stderr = &lineWriter{stream: "stderr"}
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	log.Infof("started kernel process %d: %v", cmd.Process.Pid, argv)

	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	b, err := dial(ctx, info, p.exited, l.HandshakeInterval)
	if err != nil {
		p.kill()
		os.Remove(path)
		return nil, err
	}
	b.proc = p
	b.connectionFile = path
	go b.watch()
	return b, nil
}

// process is the kernel child process.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error // valid after exited is closed
}

func (p *process) kill() {
	select {
	case <-p.exited:
		return
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		log.Warningf("kill kernel process: %v", err)
	}
	<-p.exited
}

// lineWriter logs the kernel's output one line at a time.
type lineWriter struct {
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			log.Infof("[%s] %s", w.stream, line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Backend is a kernel reached over ZeroMQ.
type Backend struct {
	info    ConnectionInfo
	signer  *wire.Signer
	session string

	cancel  context.CancelFunc
	shell   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket

	sendMu       sync.Mutex
	msgs         chan *wire.Message
	shellReplies chan *wire.Message

	failed   chan struct{}
	failOnce sync.Once
	cause    error

	proc           *process
	connectionFile string

	closeOnce sync.Once
	closeErr  error
}

// dial connects to the kernel described by info and completes the
// handshake. exited may be nil when there is no child process to watch.
func dial(ctx context.Context, info ConnectionInfo, exited <-chan struct{}, interval time.Duration) (*Backend, error) {
	if interval <= 0 {
		interval = DefaultHandshakeInterval
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	session := wire.NewSessionID()
	socketOpts := func(channel string) []zmq4.Option {
		return []zmq4.Option{
			zmq4.WithID(zmq4.SocketIdentity(session + "-" + channel)),
			zmq4.WithDialerMaxRetries(0),
		}
	}
	b := &Backend{
		info:         info,
		signer:       wire.NewSigner(info.Key),
		session:      session,
		cancel:       cancel,
		shell:        zmq4.NewDealer(sockCtx, socketOpts(wire.ChannelShell)...),
		control:      zmq4.NewDealer(sockCtx, socketOpts(wire.ChannelControl)...),
		iopub:        zmq4.NewSub(sockCtx, zmq4.WithDialerMaxRetries(0)),
		msgs:         make(chan *wire.Message, 256),
		shellReplies: make(chan *wire.Message, 16),
		failed:       make(chan struct{}),
	}

	err := b.connect(ctx, exited, interval)
	if err == nil {
		err = b.handshake(ctx, exited, interval)
	}
	if err != nil {
		b.fail(ErrClosed)
		b.closeSockets()
		return nil, err
	}
	return b, nil
}

func (b *Backend) connect(ctx context.Context, exited <-chan struct{}, interval time.Duration) error {
	sockets := []struct {
		name string
		sock zmq4.Socket
		port int
	}{
		{"shell", b.shell, b.info.ShellPort},
		{"control", b.control, b.info.ControlPort},
		{"iopub", b.iopub, b.info.IOPubPort},
	}
	for _, s := range sockets {
		ep := b.info.Endpoint(s.port)
		for {
			err := s.sock.Dial(ep)
			if err == nil {
				log.Debugf("connected %s channel to %s", s.name, ep)
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("connect %s channel: %w", s.name, ctx.Err())
			case <-exited:
				return fmt.Errorf("connect %s channel: %w", s.name, ErrExited)
			case <-time.After(interval):
			}
		}
	}
	if err := b.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("subscribe iopub: %w", err)
	}

	go b.readIOPub()
	go b.readShell()
	return nil
}

// handshake resends kernel_info_request until the kernel has answered on
// shell and published anything on IOPub. The SUB socket drops whatever was
// published before its subscription reached the kernel, hence the resend.
func (b *Backend) handshake(ctx context.Context, exited <-chan struct{}, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	request := func() error {
		if err := b.send(b.shell, wire.TypeKernelInfoRequest, nil, ""); err != nil {
			return fmt.Errorf("send kernel_info_request: %w", err)
		}
		return nil
	}
	if err := request(); err != nil {
		return err
	}

	var gotShell, gotIOPub bool
	for !gotShell || !gotIOPub {
		select {
		case m := <-b.shellReplies:
			if m.Type() == wire.TypeKernelInfoReply {
				gotShell = true
			}
		case <-b.msgs:
			gotIOPub = true
		case <-ticker.C:
			if err := request(); err != nil {
				return err
			}
		case <-b.failed:
			return fmt.Errorf("kernel handshake: %w", b.cause)
		case <-exited:
			return fmt.Errorf("kernel handshake: %w", ErrExited)
		case <-ctx.Done():
			return fmt.Errorf("kernel handshake: %w", ctx.Err())
		}
	}
	log.Info("kernel handshake complete")
	return nil
}

// send signs and writes a message. msgID replaces the generated id when set.
func (b *Backend) send(sock zmq4.Socket, msgType string, content any, msgID string) error {
	m, err := wire.New(b.session, msgType, content)
	if err != nil {
		return err
	}
	if msgID != "" {
		m.Header.MsgID = msgID
	}
	frames, err := wire.EncodeFrames(m, b.signer)
	if err != nil {
		return err
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (b *Backend) readIOPub() {
	for {
		raw, err := b.iopub.Recv()
		if err != nil {
			b.fail(fmt.Errorf("iopub channel: %w", err))
			return
		}
		m, err := wire.DecodeFrames(raw.Frames, b.signer)
		if err != nil {
			log.Warningf("dropping iopub message: %v", err)
			continue
		}
		select {
		case b.msgs <- m:
		case <-b.failed:
			return
		}
	}
}

// readShell drains shell replies. Only the handshake looks at them; later
// replies are dropped when nobody is listening.
func (b *Backend) readShell() {
	for {
		raw, err := b.shell.Recv()
		if err != nil {
			return
		}
		m, err := wire.DecodeFrames(raw.Frames, b.signer)
		if err != nil {
			log.Warningf("dropping shell message: %v", err)
			continue
		}
		select {
		case b.shellReplies <- m:
		default:
			log.Debugf("dropping shell %s", m.Type())
		}
	}
}

// watch fails the backend when the kernel process exits.
func (b *Backend) watch() {
	select {
	case <-b.proc.exited:
		if b.proc.err != nil {
			b.fail(fmt.Errorf("%w: %w", ErrExited, b.proc.err))
		} else {
			b.fail(ErrExited)
		}
	case <-b.failed:
	}
}

func (b *Backend) fail(err error) {
	b.failOnce.Do(func() {
		b.cause = err
		close(b.failed)
	})
}

// Submit sends an execute_request with id msgID on the shell channel.
func (b *Backend) Submit(ctx context.Context, msgID, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.failed:
		return b.cause
	default:
	}
	return b.send(b.shell, wire.TypeExecuteRequest, wire.NewExecuteRequest(code), msgID)
}

// Recv returns the next IOPub message. Messages that arrived before a
// failure are still delivered.
func (b *Backend) Recv() (*wire.Message, error) {
	select {
	case m := <-b.msgs:
		return m, nil
	case <-b.failed:
		select {
		case m := <-b.msgs:
			return m, nil
		default:
			return nil, b.cause
		}
	}
}

// Close asks the kernel to shut down over the control channel, kills it if
// it has not exited when ctx is done, then closes the sockets and removes
// the connection file.
func (b *Backend) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx)
	})
	return b.closeErr
}

func (b *Backend) close(ctx context.Context) error {
	var errs []error
	if b.proc != nil {
		select {
		case <-b.proc.exited:
		default:
			if err := b.send(b.control, wire.TypeShutdownRequest, wire.ShutdownRequest{}, ""); err != nil {
				log.Warningf("send shutdown_request: %v", err)
			}
			select {
			case <-b.proc.exited:
			case <-ctx.Done():
				log.Warningf("kernel did not exit in time, killing process %d", b.proc.cmd.Process.Pid)
				b.proc.kill()
			}
		}
	}

	b.fail(ErrClosed)
	if err := b.closeSockets(); err != nil {
		errs = append(errs, err)
	}
	if b.connectionFile != "" {
		if err := os.Remove(b.connectionFile); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove connection file: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) closeSockets() error {
	var errs []error
	for _, s := range []zmq4.Socket{b.shell, b.control, b.iopub} {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.cancel()
	if len(errs) > 0 {
		return fmt.Errorf("close sockets: %w", errors.Join(errs...))
	}
	return nil
}
