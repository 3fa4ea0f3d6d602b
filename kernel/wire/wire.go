// Package wire implements the Jupyter messaging protocol: the message model
// shared by every channel, HMAC signing, and the two framings a bridge
// meets in practice (ZeroMQ multipart frames and websocket JSON).
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on outgoing headers.
const ProtocolVersion = "5.3"

// Channel names used by the websocket framing.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Message types the bridge sends or inspects directly.
const (
	TypeExecuteRequest    = "execute_request"
	TypeExecuteReply      = "execute_reply"
	TypeKernelInfoRequest = "kernel_info_request"
	TypeKernelInfoReply   = "kernel_info_reply"
	TypeShutdownRequest   = "shutdown_request"
	TypeShutdownReply     = "shutdown_reply"
)

// Header identifies a message. A zero Header marshals to {} which is what
// kernels expect for an absent parent.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is one Jupyter protocol message. Content is left raw; callers
// decode it according to Header.MsgType.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
}

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// NewExecuteRequest returns the content the bridge submits for code:
// history is kept, stdin is refused.
func NewExecuteRequest(code string) ExecuteRequest {
	return ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	}
}

// ShutdownRequest is the content of a shutdown_request.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// New builds a message of msgType for session with a fresh UUID message id.
// A nil content is sent as {}.
func New(session, msgType string, content any) (*Message, error) {
	raw := json.RawMessage("{}")
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s content: %w", msgType, err)
		}
		raw = data
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  session,
			Username: "sandbox",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// NewSessionID returns a fresh client session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Type returns the message type.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// ID returns the message id.
func (m *Message) ID() string {
	return m.Header.MsgID
}

// ParentID returns the id of the request this message answers, or "".
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// Reply builds a message of msgType whose parent is m. Used by kernels and
// fakes that answer requests.
func (m *Message) Reply(session, msgType string, content any) (*Message, error) {
	reply, err := New(session, msgType, content)
	if err != nil {
		return nil, err
	}
	reply.ParentHeader = m.Header
	return reply, nil
}
