// Package rpc implements the Worker RPC façade (§4.8, §6): the Execution,
// Worker Management, and Data Exchange services as hand-authored
// grpc.ServiceDesc definitions, mirroring what protoc-gen-go-grpc would
// generate from a .proto file. No .proto/.pb.go exists anywhere in the
// corpus this module was grounded on for warren's own api/proto import, so
// messages are plain Go structs carried over grpc's public JSON codec
// extension point instead of protobuf wire encoding — streaming, per-call
// deadlines, and interceptors all behave identically to a protoc-generated
// service.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected via the
// "json" content-subtype on every call (see callOptions in conn.go).
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
