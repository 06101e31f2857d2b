package grpcserver

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc's default "proto" content-subtype codec with a
// plain JSON encoder/decoder. Message types are ordinary Go structs with
// json tags (see internal/service) rather than protoc-generated types, so
// registering under the name "proto" keeps clients that don't set an
// explicit content-subtype working without a .proto compile step.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
