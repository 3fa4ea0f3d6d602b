package kernel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// IOPub message types.
const (
	TypeExecuteResult = "execute_result"
	TypeDisplayData   = "display_data"
	TypeError         = "error"
	TypeStream        = "stream"
	TypeStatus        = "status"
)

// Execution states carried by status messages.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// Stream names.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// MIME types read from result bundles.
const (
	mimeText = "text/plain"
	mimePNG  = "image/png"
)

// Message is one decoded IOPub message. The concrete type is one of
// ExecuteResult, DisplayData, Error, StreamText, Status or Unknown.
type Message interface {
	MsgType() string
}

// ExecuteResult is the value of the last expression of a cell.
type ExecuteResult struct {
	ExecutionCount int
	Text           string
	Image          []byte
}

// DisplayData is rich output published during execution, such as a figure.
type DisplayData struct {
	Text  string
	Image []byte
}

// Error reports an exception raised by the executed code.
type Error struct {
	Name      string
	Value     string
	Traceback []string
}

// StreamText is text written to stdout or stderr.
type StreamText struct {
	Name string
	Text string
}

// Status reports the kernel's execution state.
type Status struct {
	State string
}

// Unknown is any message type the bridge does not interpret.
type Unknown struct {
	Type string
}

func (ExecuteResult) MsgType() string { return TypeExecuteResult }
func (DisplayData) MsgType() string   { return TypeDisplayData }
func (Error) MsgType() string         { return TypeError }
func (StreamText) MsgType() string    { return TypeStream }
func (Status) MsgType() string        { return TypeStatus }
func (u Unknown) MsgType() string     { return u.Type }

// Decode interprets the content of an IOPub message of msgType.
// Unrecognized types decode to Unknown; recognized types whose content
// lacks required fields fail with ErrMalformedMessage.
func Decode(msgType string, content json.RawMessage) (Message, error) {
	switch msgType {
	case TypeExecuteResult:
		var c struct {
			ExecutionCount int                        `json:"execution_count"`
			Data           map[string]json.RawMessage `json:"data"`
		}
		if err := unmarshalContent(msgType, content, &c); err != nil {
			return nil, err
		}
		if c.Data == nil {
			return nil, malformed(msgType, "missing data")
		}
		text, image, err := decodeBundle(msgType, c.Data)
		if err != nil {
			return nil, err
		}
		return ExecuteResult{ExecutionCount: c.ExecutionCount, Text: text, Image: image}, nil

	case TypeDisplayData:
		var c struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := unmarshalContent(msgType, content, &c); err != nil {
			return nil, err
		}
		if c.Data == nil {
			return nil, malformed(msgType, "missing data")
		}
		text, image, err := decodeBundle(msgType, c.Data)
		if err != nil {
			return nil, err
		}
		return DisplayData{Text: text, Image: image}, nil

	case TypeError:
		var c struct {
			EName     string   `json:"ename"`
			EValue    string   `json:"evalue"`
			Traceback []string `json:"traceback"`
		}
		if err := unmarshalContent(msgType, content, &c); err != nil {
			return nil, err
		}
		if c.EName == "" && len(c.Traceback) == 0 {
			return nil, malformed(msgType, "neither ename nor traceback")
		}
		return Error{Name: c.EName, Value: c.EValue, Traceback: c.Traceback}, nil

	case TypeStream:
		var c struct {
			Name *string `json:"name"`
			Text *string `json:"text"`
		}
		if err := unmarshalContent(msgType, content, &c); err != nil {
			return nil, err
		}
		if c.Name == nil || c.Text == nil {
			return nil, malformed(msgType, "missing name or text")
		}
		return StreamText{Name: *c.Name, Text: *c.Text}, nil

	case TypeStatus:
		var c struct {
			ExecutionState string `json:"execution_state"`
		}
		if err := unmarshalContent(msgType, content, &c); err != nil {
			return nil, err
		}
		if c.ExecutionState == "" {
			return nil, malformed(msgType, "missing execution_state")
		}
		return Status{State: c.ExecutionState}, nil
	}
	return Unknown{Type: msgType}, nil
}

func unmarshalContent(msgType string, content json.RawMessage, v any) error {
	if err := json.Unmarshal(content, v); err != nil {
		return malformed(msgType, err.Error())
	}
	return nil
}

func malformed(msgType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedMessage, msgType, reason)
}

// decodeBundle extracts the plain-text and PNG representations of a MIME
// bundle. Text defaults to "" and the image to nil when absent. Notebook
// style multi-line values (lists of strings) are joined.
func decodeBundle(msgType string, data map[string]json.RawMessage) (string, []byte, error) {
	var text string
	if raw, ok := data[mimeText]; ok {
		s, err := multiline(raw)
		if err != nil {
			return "", nil, malformed(msgType, "text/plain: "+err.Error())
		}
		text = s
	}

	// The image is optional: an undecodable one is dropped and the text kept.
	var image []byte
	if raw, ok := data[mimePNG]; ok {
		s, err := multiline(raw)
		if err == nil {
			image, err = base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
		}
		if err != nil {
			log.Warningf("dropping undecodable image/png in %s: %v", msgType, err)
			image = nil
		}
	}
	return text, image, nil
}

func multiline(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", fmt.Errorf("want string or list of strings")
	}
	return strings.Join(lines, ""), nil
}
