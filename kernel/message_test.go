package kernel

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Decode: recognized types
// ---------------------------------------------------------------------------

func TestDecode_ExecuteResult(t *testing.T) {
	msg, err := Decode(TypeExecuteResult, json.RawMessage(
		`{"execution_count": 3, "data": {"text/plain": "4"}, "metadata": {}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r, ok := msg.(ExecuteResult)
	if !ok {
		t.Fatalf("Decode returned %T, want ExecuteResult", msg)
	}
	if r.Text != "4" {
		t.Errorf("Text = %q, want %q", r.Text, "4")
	}
	if r.ExecutionCount != 3 {
		t.Errorf("ExecutionCount = %d, want 3", r.ExecutionCount)
	}
	if r.Image != nil {
		t.Errorf("Image = %v, want nil", r.Image)
	}
}

func TestDecode_DisplayDataWithImage(t *testing.T) {
	msg, err := Decode(TypeDisplayData, json.RawMessage(
		`{"data": {"text/plain": "<Figure>", "image/png": "iVBO\nRw0K"}, "metadata": {}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	d, ok := msg.(DisplayData)
	if !ok {
		t.Fatalf("Decode returned %T, want DisplayData", msg)
	}
	if d.Text != "<Figure>" {
		t.Errorf("Text = %q", d.Text)
	}
	want := []byte{0x89, 'P', 'N', 'G', '\r', '\n'}
	if !bytes.Equal(d.Image, want) {
		t.Errorf("Image = %v, want %v", d.Image, want)
	}
}

func TestDecode_BadImageKeepsText(t *testing.T) {
	for _, png := range []string{`"!!!"`, `42`} {
		msg, err := Decode(TypeExecuteResult, json.RawMessage(
			`{"execution_count": 1, "data": {"text/plain": "<Figure>", "image/png": `+png+`}}`))
		if err != nil {
			t.Fatalf("Decode(image/png %s): %v", png, err)
		}
		r := msg.(ExecuteResult)
		if r.Text != "<Figure>" {
			t.Errorf("Text = %q, want <Figure>", r.Text)
		}
		if r.Image != nil {
			t.Errorf("Image = %v, want nil", r.Image)
		}
	}
}

func TestDecode_ImageOnlyHasEmptyText(t *testing.T) {
	msg, err := Decode(TypeDisplayData, json.RawMessage(`{"data": {"image/png": "iVBORw0K"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	d := msg.(DisplayData)
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}
	if len(d.Image) == 0 {
		t.Error("Image should be decoded")
	}
}

func TestDecode_MultilineText(t *testing.T) {
	msg, err := Decode(TypeExecuteResult, json.RawMessage(
		`{"execution_count": 1, "data": {"text/plain": ["a\n", "b"]}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := msg.(ExecuteResult).Text; got != "a\nb" {
		t.Errorf("Text = %q, want %q", got, "a\nb")
	}
}

func TestDecode_Error(t *testing.T) {
	msg, err := Decode(TypeError, json.RawMessage(
		`{"ename": "ZeroDivisionError", "evalue": "division by zero", "traceback": ["a", "b"]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e := msg.(Error)
	if e.Name != "ZeroDivisionError" || e.Value != "division by zero" {
		t.Errorf("Error = %+v", e)
	}
	if len(e.Traceback) != 2 {
		t.Errorf("Traceback length = %d, want 2", len(e.Traceback))
	}
}

func TestDecode_Stream(t *testing.T) {
	msg, err := Decode(TypeStream, json.RawMessage(`{"name": "stdout", "text": ""}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s := msg.(StreamText); s.Name != Stdout || s.Text != "" {
		t.Errorf("StreamText = %+v", s)
	}
}

func TestDecode_Status(t *testing.T) {
	msg, err := Decode(TypeStatus, json.RawMessage(`{"execution_state": "idle"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s := msg.(Status); s.State != StateIdle {
		t.Errorf("State = %q, want idle", s.State)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	msg, err := Decode("execute_input", json.RawMessage(`{"code": "1", "execution_count": 1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.MsgType() != "execute_input" {
		t.Errorf("MsgType = %q", msg.MsgType())
	}
	if _, ok := msg.(Unknown); !ok {
		t.Errorf("Decode returned %T, want Unknown", msg)
	}
}

// ---------------------------------------------------------------------------
// Decode: malformed content
// ---------------------------------------------------------------------------

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		content string
	}{
		{"result without data", TypeExecuteResult, `{"execution_count": 1}`},
		{"display without data", TypeDisplayData, `{"metadata": {}}`},
		{"stream without text", TypeStream, `{"name": "stdout"}`},
		{"status without state", TypeStatus, `{}`},
		{"error without name or traceback", TypeError, `{"evalue": "x"}`},
		{"text not a string", TypeExecuteResult, `{"data": {"text/plain": 4}}`},
		{"not json", TypeStream, `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.msgType, json.RawMessage(tc.content))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Decode error = %v, want ErrMalformedMessage", err)
			}
		})
	}
}
