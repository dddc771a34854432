package codec

import "google.golang.org/grpc/encoding"

// Name is the gRPC content subtype under which the CBOR codec is registered.
const Name = "cbor"

// GRPC adapts the package codec to grpc's encoding.Codec.
type GRPC struct{}

func (GRPC) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (GRPC) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (GRPC) Name() string                       { return Name }

func init() {
	encoding.RegisterCodec(GRPC{})
}
