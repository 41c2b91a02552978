package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec avoids requiring protobuf-generated types for the Groups
// service, mirroring pkg/transport/grpc's jsonCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                            { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
