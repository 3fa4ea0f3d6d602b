package sandboxv1

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// RunCodeRequest carries the code to execute. The code is passed to the
// kernel as is.
type RunCodeRequest struct {
	Code string `json:"code" cbor:"1,keyasint"`
}

// Result is one execute_result or display_data output. Image is nil when the
// output had no PNG representation.
type Result struct {
	Text  string `json:"text" cbor:"1,keyasint"`
	Image []byte `json:"image,omitempty" cbor:"2,keyasint,omitempty"`
}

// RunCodeResponse is everything one execution produced, in arrival order.
type RunCodeResponse struct {
	Results []*Result `json:"results" cbor:"1,keyasint"`
	Stdout  string    `json:"stdout" cbor:"2,keyasint"`
	Stderr  string    `json:"stderr" cbor:"3,keyasint"`
}

type HealthcheckRequest struct{}

type HealthcheckResponse struct{}

// message is implemented by every type of this package that crosses the
// wire. The codecs use it to convert to and from dynamic messages.
type message interface {
	descriptor() protoreflect.MessageDescriptor
	fill(dst protoreflect.Message)
	read(src protoreflect.Message)
}

func (*RunCodeRequest) descriptor() protoreflect.MessageDescriptor      { return runCodeRequestDesc }
func (*Result) descriptor() protoreflect.MessageDescriptor              { return resultDesc }
func (*RunCodeResponse) descriptor() protoreflect.MessageDescriptor     { return runCodeResponseDesc }
func (*HealthcheckRequest) descriptor() protoreflect.MessageDescriptor  { return healthcheckRequestDesc }
func (*HealthcheckResponse) descriptor() protoreflect.MessageDescriptor { return healthcheckResponseDesc }

func (m *RunCodeRequest) fill(dst protoreflect.Message) {
	setString(dst, "code", m.Code)
}

func (m *RunCodeRequest) read(src protoreflect.Message) {
	*m = RunCodeRequest{Code: getString(src, "code")}
}

func (m *Result) fill(dst protoreflect.Message) {
	setString(dst, "text", m.Text)
	if m.Image != nil {
		dst.Set(field(dst, "image"), protoreflect.ValueOfBytes(m.Image))
	}
}

func (m *Result) read(src protoreflect.Message) {
	*m = Result{Text: getString(src, "text")}
	if fd := field(src, "image"); src.Has(fd) {
		m.Image = append([]byte{}, src.Get(fd).Bytes()...)
	}
}

func (m *RunCodeResponse) fill(dst protoreflect.Message) {
	if len(m.Results) > 0 {
		list := dst.Mutable(field(dst, "results")).List()
		for _, r := range m.Results {
			if r == nil {
				r = &Result{}
			}
			elem := list.NewElement()
			r.fill(elem.Message())
			list.Append(elem)
		}
	}
	setString(dst, "stdout", m.Stdout)
	setString(dst, "stderr", m.Stderr)
}

func (m *RunCodeResponse) read(src protoreflect.Message) {
	*m = RunCodeResponse{
		Stdout: getString(src, "stdout"),
		Stderr: getString(src, "stderr"),
	}
	list := src.Get(field(src, "results")).List()
	for i := 0; i < list.Len(); i++ {
		r := &Result{}
		r.read(list.Get(i).Message())
		m.Results = append(m.Results, r)
	}
}

func (*HealthcheckRequest) fill(protoreflect.Message)  {}
func (*HealthcheckRequest) read(protoreflect.Message)  {}
func (*HealthcheckResponse) fill(protoreflect.Message) {}
func (*HealthcheckResponse) read(protoreflect.Message) {}

func field(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func setString(m protoreflect.Message, name protoreflect.Name, s string) {
	if s != "" {
		m.Set(field(m, name), protoreflect.ValueOfString(s))
	}
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(field(m, name)).String()
}
