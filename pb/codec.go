package pb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals RPC messages as JSON instead of wire-format
// protobuf. The request/reply types in this package are hand-rolled
// structs rather than generated protobuf messages, so they don't
// implement proto.Message and can't ride grpc-go's built-in "proto"
// codec. Registering under the same "proto" name overrides the default
// codec process-wide, which is fine here since this module never talks
// to a real protobuf service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
