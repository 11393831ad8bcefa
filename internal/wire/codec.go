package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the subtype registered with grpc's encoding registry. Clients
// select it per call via grpc.CallContentSubtype, in place of the "proto"
// codec the generated stack would normally select; the server decodes each
// call with the registered codec that the call's content-subtype names.
const CodecName = "agentmesh-json"

// jsonCodec implements encoding.Codec using encoding/json. It is registered
// once via init(), so any process importing this package can serve and
// dial calls carrying the CodecName content-subtype without protobuf
// messages flowing through this service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
