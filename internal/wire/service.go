// ABOUTME: gRPC service descriptor for the HostAgent Connect bidirectional stream
// ABOUTME: Provides typed server and client stream wrappers over structpb messages

package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "cauldron.v1.HostAgent"
	ConnectMethod = "/cauldron.v1.HostAgent/Connect"
)

// HostAgentServer is implemented by the server side of the Connect stream.
type HostAgentServer interface {
	Connect(stream ServerStream) error
}

// ServerStream is the server's view of a connected agent.
type ServerStream interface {
	Send(*ServerMessage) error
	Recv() (*AgentMessage, error)
	Context() context.Context
}

// ClientStream is the agent's view of the server.
type ClientStream interface {
	Send(*AgentMessage) error
	Recv() (*ServerMessage, error)
	CloseSend() error
	Context() context.Context
}

// ServiceDesc describes the HostAgent service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HostAgentServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "cauldron/v1/hostagent.proto",
}

// RegisterHostAgentServer registers srv on s.
func RegisterHostAgentServer(s grpc.ServiceRegistrar, srv HostAgentServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HostAgentServer).Connect(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(m *ServerMessage) error {
	st, err := m.ToStruct()
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(st)
}

func (s *serverStream) Recv() (*AgentMessage, error) {
	st := new(structpb.Struct)
	if err := s.ServerStream.RecvMsg(st); err != nil {
		return nil, err
	}
	return DecodeAgentMessage(st)
}

// Connect opens the Connect stream on cc.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening connect stream: %w", err)
	}
	return &clientStream{stream}, nil
}

type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(m *AgentMessage) error {
	st, err := m.ToStruct()
	if err != nil {
		return err
	}
	return c.ClientStream.SendMsg(st)
}

func (c *clientStream) Recv() (*ServerMessage, error) {
	st := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(st); err != nil {
		return nil, err
	}
	return DecodeServerMessage(st)
}
