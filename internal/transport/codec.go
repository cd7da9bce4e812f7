package transport

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
)

const (
	codecName      = "gossipnet-frame"
	serviceName    = "gossipnet.Gossip"
	exchangeMethod = "/" + serviceName + "/Exchange"
)

// frame is an encoded wire.Message. gRPC only sees opaque bytes; decoding
// happens in the stream loop so a bad frame never tears the stream down.
type frame struct {
	data []byte
}

// frameCodec passes frames through untouched.
type frameCodec struct{}

func (frameCodec) Marshal(v any) (mem.BufferSlice, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: unexpected type %T", v)
	}
	return mem.BufferSlice{mem.SliceBuffer(f.data)}, nil
}

func (frameCodec) Unmarshal(data mem.BufferSlice, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("frame codec: unexpected type %T", v)
	}
	f.data = data.Materialize()
	return nil
}

func (frameCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodecV2(frameCodec{})
}

// exchanger is implemented by the server; gRPC checks it at registration.
type exchanger interface {
	Exchange(stream grpc.ServerStream) error
}

var exchangeStream = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		return srv.(exchanger).Exchange(stream)
	},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchanger)(nil),
	Streams:     []grpc.StreamDesc{exchangeStream},
	Metadata:    "gossipnet.proto",
}
