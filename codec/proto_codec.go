package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec serializes protocol buffer messages.
// Pros: compact, schema-checked, fast. Cons: values must be generated proto.Message types.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: proto: %T is not a proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: proto: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c *ProtoCodec) Name() string {
	return "proto"
}
