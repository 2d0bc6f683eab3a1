package grpcapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"transcript-relay-service/internal/models"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "transcript.v1.TranscriptService"

// CodecName is the content-subtype of the JSON codec. Clients select it with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries models.Frame and models.HistorySnapshot as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TranscriptServiceServer is the server API for TranscriptService.
type TranscriptServiceServer interface {
	// Stream accepts bridge frames and streams history snapshots back.
	Stream(TranscriptService_StreamServer) error
}

// TranscriptService_StreamServer is the server side of a Stream call.
type TranscriptService_StreamServer interface {
	Send(*models.HistorySnapshot) error
	Recv() (*models.Frame, error)
	grpc.ServerStream
}

type streamServer struct {
	grpc.ServerStream
}

func (x *streamServer) Send(m *models.HistorySnapshot) error {
	return x.ServerStream.SendMsg(m)
}

func (x *streamServer) Recv() (*models.Frame, error) {
	m := new(models.Frame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TranscriptServiceServer).Stream(&streamServer{stream})
}

// ServiceDesc describes TranscriptService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterTranscriptServiceServer registers srv on s.
func RegisterTranscriptServiceServer(s grpc.ServiceRegistrar, srv TranscriptServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TranscriptService_StreamClient is the client side of a Stream call.
type TranscriptService_StreamClient interface {
	Send(*models.Frame) error
	Recv() (*models.HistorySnapshot, error)
	grpc.ClientStream
}

type streamClient struct {
	grpc.ClientStream
}

func (x *streamClient) Send(m *models.Frame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *streamClient) Recv() (*models.HistorySnapshot, error) {
	m := new(models.HistorySnapshot)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client is a TranscriptService client using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Stream opens a bidirectional Stream call.
func (c *Client) Stream(ctx context.Context, opts ...grpc.CallOption) (TranscriptService_StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &streamClient{stream}, nil
}
