package sandboxv1

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Codec names as they appear in Content-Type.
const (
	CodecProto           = "proto"
	CodecJSON            = "json"
	CodecJSONCharsetUTF8 = "json; charset=utf-8"
	CodecCBOR            = "cbor"
)

var (
	// ProtoCodec encodes binary protobuf.
	ProtoCodec connect.Codec = protoCodec{}
	// JSONCodec encodes the canonical protobuf JSON mapping.
	JSONCodec connect.Codec = jsonCodec{name: CodecJSON}
	// CBORCodec encodes CBOR keyed by field number.
	CBORCodec connect.Codec = cborCodec{}
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("sandboxv1: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Codecs returns the handler options registering every codec of this
// package. They also handle ordinary generated proto.Message values, so
// handlers for other services can share them.
func Codecs() []connect.HandlerOption {
	return []connect.HandlerOption{
		connect.WithCodec(ProtoCodec),
		connect.WithCodec(JSONCodec),
		connect.WithCodec(jsonCodec{name: CodecJSONCharsetUTF8}),
		connect.WithCodec(CBORCodec),
	}
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (connect.Codec, error) {
	switch name {
	case CodecProto, "":
		return ProtoCodec, nil
	case CodecJSON:
		return JSONCodec, nil
	case CodecCBOR:
		return CBORCodec, nil
	}
	return nil, fmt.Errorf("sandboxv1: unknown codec %q", name)
}

// toDynamic converts v to a proto.Message.
func toDynamic(v any) (proto.Message, error) {
	switch m := v.(type) {
	case proto.Message:
		return m, nil
	case message:
		dm := dynamicpb.NewMessage(m.descriptor())
		m.fill(dm)
		return dm, nil
	}
	return nil, fmt.Errorf("sandboxv1: cannot encode %T", v)
}

// fromDynamic unmarshals into v through decode.
func fromDynamic(v any, decode func(proto.Message) error) error {
	switch m := v.(type) {
	case proto.Message:
		return decode(m)
	case message:
		dm := dynamicpb.NewMessage(m.descriptor())
		if err := decode(dm); err != nil {
			return err
		}
		m.read(dm)
		return nil
	}
	return fmt.Errorf("sandboxv1: cannot decode into %T", v)
}

// ---------------------------------------------------------------------------
// proto
// ---------------------------------------------------------------------------

type protoCodec struct{}

func (protoCodec) Name() string { return CodecProto }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, err := toDynamic(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	return fromDynamic(v, func(m proto.Message) error {
		return proto.Unmarshal(data, m)
	})
}

// ---------------------------------------------------------------------------
// json
// ---------------------------------------------------------------------------

type jsonCodec struct {
	name string
}

func (c jsonCodec) Name() string { return c.name }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	m, err := toDynamic(v)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return fromDynamic(v, func(m proto.Message) error {
		if len(data) == 0 {
			return nil
		}
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
	})
}

// ---------------------------------------------------------------------------
// cbor
// ---------------------------------------------------------------------------

type cborCodec struct{}

func (cborCodec) Name() string { return CodecCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(message); !ok {
		return nil, fmt.Errorf("sandboxv1: cbor cannot encode %T", v)
	}
	return cborEncMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(message); !ok {
		return fmt.Errorf("sandboxv1: cbor cannot decode into %T", v)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("sandboxv1: unmarshal cbor: %w", err)
	}
	return nil
}
