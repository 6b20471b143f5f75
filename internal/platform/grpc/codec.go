package grpc

import (
	"encoding/json"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the JSON codec. Clients select it
// per call with CallOption(); servers resolve it from the registry.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOption selects the JSON codec for one RPC. Health checks keep the
// default proto codec, so the option is never installed connection-wide.
func CallOption() gogrpc.CallOption {
	return gogrpc.CallContentSubtype(CodecName)
}
