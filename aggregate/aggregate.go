// Package aggregate folds the messages of one kernel execution into a single
// RunCodeResponse.
package aggregate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tliron/commonlog"

	sandboxv1 "github.com/chazu/sandbox/api/sandbox/v1"
	"github.com/chazu/sandbox/kernel"
)

var log = commonlog.GetLogger("sandbox.aggregate")

// DefaultMessageTimeout bounds the wait for each message of an execution.
const DefaultMessageTimeout = 10 * time.Second

// ansiEscape matches CSI sequences such as the colour codes IPython puts in
// tracebacks.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Stream is the per-execution message source. *kernel.Stream implements it.
type Stream interface {
	Next(ctx context.Context, timeout time.Duration) (kernel.Message, error)
	MarkReady()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMessageTimeout sets how long Collect waits for any single message.
func WithMessageTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.messageTimeout = d
		}
	}
}

// WithStripANSI controls whether terminal escape sequences are removed from
// tracebacks before they are appended to stderr.
func WithStripANSI(strip bool) Option {
	return func(a *Aggregator) {
		a.stripANSI = strip
	}
}

// Aggregator collects execution output. It holds no per-execution state and
// is safe for concurrent use.
type Aggregator struct {
	messageTimeout time.Duration
	stripANSI      bool
}

// New returns an Aggregator with a 10s message timeout that strips ANSI
// escapes.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		messageTimeout: DefaultMessageTimeout,
		stripANSI:      true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MessageTimeout returns the per-message wait.
func (a *Aggregator) MessageTimeout() time.Duration {
	return a.messageTimeout
}

// Collect reads st until the idle status and returns what the execution
// produced. Results keep arrival order and stream text is concatenated as
// received. On idle the stream is marked ready. Any error from st is
// returned as is and no partial response is produced.
func (a *Aggregator) Collect(ctx context.Context, st Stream) (*sandboxv1.RunCodeResponse, error) {
	resp := &sandboxv1.RunCodeResponse{Results: []*sandboxv1.Result{}}
	var stdout, stderr strings.Builder

	for {
		msg, err := st.Next(ctx, a.messageTimeout)
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case kernel.ExecuteResult:
			resp.Results = append(resp.Results, &sandboxv1.Result{Text: m.Text, Image: m.Image})
		case kernel.DisplayData:
			resp.Results = append(resp.Results, &sandboxv1.Result{Text: m.Text, Image: m.Image})
		case kernel.Error:
			stderr.WriteString(a.formatError(m))
		case kernel.StreamText:
			switch m.Name {
			case kernel.Stdout:
				stdout.WriteString(m.Text)
			case kernel.Stderr:
				stderr.WriteString(m.Text)
			default:
				log.Debugf("ignoring stream %q", m.Name)
			}
		case kernel.Status:
			if m.State == kernel.StateIdle {
				st.MarkReady()
				resp.Stdout = stdout.String()
				resp.Stderr = stderr.String()
				return resp, nil
			}
		default:
			log.Debugf("ignoring %s message", msg.MsgType())
		}
	}
}

// formatError renders an exception the way a terminal shows it: the whole
// traceback, one frame per line. A kernel that sends no traceback gets
// "name: value".
//
// Traceback entries are separate strings with no line endings, so the
// newlines here are added by the aggregator. Stream text is different: it is
// concatenated exactly as the kernel sent it, with nothing inserted.
func (a *Aggregator) formatError(e kernel.Error) string {
	var text string
	if len(e.Traceback) > 0 {
		text = strings.Join(e.Traceback, "\n") + "\n"
	} else {
		text = fmt.Sprintf("%s: %s\n", e.Name, e.Value)
	}
	if a.stripANSI {
		text = ansiEscape.ReplaceAllString(text, "")
	}
	return text
}
