// Package sandboxv1 is the sandbox.v1 service contract: the message types
// exchanged by RunCode and Healthcheck, the Connect codecs that put them on
// the wire, and handler and client constructors.
//
// The schema in sandbox.proto is compiled at init; messages are plain Go
// structs converted through dynamic protobuf messages, so no generated code
// is needed.
package sandboxv1

import (
	_ "embed"
	"fmt"

	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const schemaPath = "sandbox/v1/sandbox.proto"

//go:embed sandbox.proto
var schemaSource string

var (
	// File is the parsed sandbox.proto.
	File protoreflect.FileDescriptor

	runCodeRequestDesc      protoreflect.MessageDescriptor
	runCodeResponseDesc     protoreflect.MessageDescriptor
	resultDesc              protoreflect.MessageDescriptor
	healthcheckRequestDesc  protoreflect.MessageDescriptor
	healthcheckResponseDesc protoreflect.MessageDescriptor

	sandboxService    protoreflect.ServiceDescriptor
	runCodeMethod     protoreflect.MethodDescriptor
	healthcheckMethod protoreflect.MethodDescriptor
)

func init() {
	fd, err := parseSchema(schemaSource)
	if err != nil {
		panic(fmt.Sprintf("sandboxv1: %v", err))
	}
	File = fd

	msgs := fd.Messages()
	runCodeRequestDesc = mustMessage(msgs, "RunCodeRequest")
	runCodeResponseDesc = mustMessage(msgs, "RunCodeResponse")
	resultDesc = mustMessage(msgs, "Result")
	healthcheckRequestDesc = mustMessage(msgs, "HealthcheckRequest")
	healthcheckResponseDesc = mustMessage(msgs, "HealthcheckResponse")

	sandboxService = fd.Services().ByName("Sandbox")
	if sandboxService == nil {
		panic("sandboxv1: schema has no Sandbox service")
	}
	runCodeMethod = sandboxService.Methods().ByName("RunCode")
	healthcheckMethod = sandboxService.Methods().ByName("Healthcheck")
	if runCodeMethod == nil || healthcheckMethod == nil {
		panic("sandboxv1: Sandbox service is missing methods")
	}
}

// parseSchema compiles a single .proto source held in memory.
func parseSchema(src string) (protoreflect.FileDescriptor, error) {
	p := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{schemaPath: src}),
	}
	fds, err := p.ParseFiles(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", schemaPath, err)
	}
	return fds[0].UnwrapFile(), nil
}

func mustMessage(msgs protoreflect.MessageDescriptors, name protoreflect.Name) protoreflect.MessageDescriptor {
	md := msgs.ByName(name)
	if md == nil {
		panic(fmt.Sprintf("sandboxv1: schema has no message %s", name))
	}
	return md
}
