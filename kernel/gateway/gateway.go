// Package gateway runs kernels on a remote Jupyter Server or Kernel Gateway.
// Kernels are created and deleted over the REST API and driven through the
// multiplexed websocket at /api/kernels/{id}/channels.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"

	"github.com/chazu/sandbox/kernel"
	"github.com/chazu/sandbox/kernel/wire"
)

var log = commonlog.GetLogger("sandbox.kernel.gateway")

// DefaultHandshakeInterval is how often kernel_info_request is resent while
// the remote kernel is starting.
const DefaultHandshakeInterval = 500 * time.Millisecond

// ErrClosed is returned by Recv and Submit after Close.
var ErrClosed = errors.New("gateway backend closed")

// Launcher creates a kernel on a Jupyter server.
type Launcher struct {
	// URL is the server base URL, such as http://localhost:8888.
	URL        string
	Token      string
	KernelName string

	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	HandshakeInterval time.Duration
}

type kernelModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Launch creates a kernel, connects its channels and waits until it answers
// kernel_info_request. A kernel created before a failure is deleted.
func (l *Launcher) Launch(ctx context.Context) (kernel.Backend, error) {
	api := &restClient{
		base:   strings.TrimRight(l.URL, "/"),
		token:  l.Token,
		client: l.HTTPClient,
	}
	if api.client == nil {
		api.client = http.DefaultClient
	}

	model, err := api.createKernel(ctx, l.KernelName)
	if err != nil {
		return nil, err
	}
	log.Infof("created kernel %s (%s) on %s", model.ID, model.Name, api.base)

	b, err := l.connect(ctx, api, model.ID)
	if err != nil {
		deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if delErr := api.deleteKernel(deleteCtx, model.ID); delErr != nil {
			log.Warningf("delete kernel %s after failed start: %v", model.ID, delErr)
		}
		return nil, err
	}
	return b, nil
}

func (l *Launcher) connect(ctx context.Context, api *restClient, id string) (*Backend, error) {
	session := wire.NewSessionID()
	wsURL, err := api.channelsURL(id, session)
	if err != nil {
		return nil, err
	}
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, api.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect kernel %s channels: %s: %w", id, resp.Status, err)
		}
		return nil, fmt.Errorf("connect kernel %s channels: %w", id, err)
	}

	b := &Backend{
		api:          api,
		id:           id,
		session:      session,
		conn:         conn,
		msgs:         make(chan *wire.Message, 256),
		shellReplies: make(chan *wire.Message, 16),
		failed:       make(chan struct{}),
	}
	go b.read()

	interval := l.HandshakeInterval
	if interval <= 0 {
		interval = DefaultHandshakeInterval
	}
	if err := b.handshake(ctx, interval); err != nil {
		b.fail(ErrClosed)
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Backend is a kernel on a Jupyter server.
type Backend struct {
	api     *restClient
	id      string
	session string

	conn    *websocket.Conn
	writeMu sync.Mutex

	msgs         chan *wire.Message
	shellReplies chan *wire.Message

	failed   chan struct{}
	failOnce sync.Once
	cause    error

	closeOnce sync.Once
	closeErr  error
}

// ID returns the server-side kernel id.
func (b *Backend) ID() string {
	return b.id
}

func (b *Backend) handshake(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.send(wire.ChannelShell, wire.TypeKernelInfoRequest, nil, ""); err != nil {
			return fmt.Errorf("send kernel_info_request: %w", err)
		}
	wait:
		for {
			select {
			case m := <-b.shellReplies:
				if m.Type() == wire.TypeKernelInfoReply {
					log.Infof("kernel %s handshake complete", b.id)
					return nil
				}
			case <-ticker.C:
				break wait
			case <-b.failed:
				return fmt.Errorf("kernel handshake: %w", b.cause)
			case <-ctx.Done():
				return fmt.Errorf("kernel handshake: %w", ctx.Err())
			}
		}
	}
}

func (b *Backend) send(channel, msgType string, content any, msgID string) error {
	m, err := wire.New(b.session, msgType, content)
	if err != nil {
		return err
	}
	if msgID != "" {
		m.Header.MsgID = msgID
	}
	m.Channel = channel

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(m)
}

// read demultiplexes the websocket: IOPub goes to Recv, shell replies to
// the handshake, everything else is dropped.
func (b *Backend) read() {
	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			b.fail(fmt.Errorf("kernel %s channels: %w", b.id, err))
			return
		}
		if kind != websocket.TextMessage {
			log.Debugf("dropping binary frame from kernel %s", b.id)
			continue
		}
		var m wire.Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warningf("dropping undecodable message from kernel %s: %v", b.id, err)
			continue
		}

		switch m.Channel {
		case wire.ChannelIOPub:
			select {
			case b.msgs <- &m:
			case <-b.failed:
				return
			}
		case wire.ChannelShell:
			select {
			case b.shellReplies <- &m:
			default:
			}
		}
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
	return b.send(wire.ChannelShell, wire.TypeExecuteRequest, wire.NewExecuteRequest(code), msgID)
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

// Close closes the websocket and deletes the kernel on the server.
func (b *Backend) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.fail(ErrClosed)

		var errs []error
		b.writeMu.Lock()
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		b.writeMu.Unlock()
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.api.deleteKernel(ctx, b.id); err != nil {
			errs = append(errs, err)
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}

// restClient is the part of the Jupyter REST API the launcher uses.
type restClient struct {
	base   string
	token  string
	client *http.Client
}

func (c *restClient) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

func (c *restClient) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func (c *restClient) createKernel(ctx context.Context, name string) (*kernelModel, error) {
	var body map[string]string
	if name != "" {
		body = map[string]string{"name": name}
	}
	var model kernelModel
	if err := c.do(ctx, http.MethodPost, "/api/kernels", body, http.StatusCreated, &model); err != nil {
		return nil, fmt.Errorf("create kernel: %w", err)
	}
	if model.ID == "" {
		return nil, errors.New("create kernel: server returned no kernel id")
	}
	return &model, nil
}

func (c *restClient) deleteKernel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("delete kernel: %w", err)
	}
	return nil
}

func (c *restClient) channelsURL(id, session string) (string, error) {
	u, err := url.Parse(c.base + "/api/kernels/" + url.PathEscape(id) + "/channels")
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid gateway url scheme %q", u.Scheme)
	}
	u.RawQuery = url.Values{"session_id": {session}}.Encode()
	return u.String(), nil
}
