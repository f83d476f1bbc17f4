// Package tracepb defines the wire contract between the filetrace agent and
// the collector: message types plus hand-maintained gRPC bindings for the
// TraceService.
//
// The bindings are written against grpc-go's public ServiceDesc machinery
// rather than generated from a .proto file; messages travel as JSON via a
// registered codec. This keeps the build free of a protoc toolchain while
// preserving the exact call shapes (unary RegisterAgent, bidirectional
// StreamEvents) of a generated client and server.
package tracepb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype under which the JSON codec is registered.
// Clients must pass grpc.CallContentSubtype(codecName); the bindings below do
// this automatically.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals RPC messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

// RegisterRequest is sent once per connection to identify the agent host.
type RegisterRequest struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	AgentVersion string `json:"agent_version"`
}

// RegisterResponse carries the collector-assigned stable host id.
type RegisterResponse struct {
	HostID string `json:"host_id"`
}

// Event is one observed unique file access as it travels on the wire.
type Event struct {
	// EventID is a client-generated UUID used to correlate acknowledgements.
	EventID string `json:"event_id"`
	// HostID is the id assigned by RegisterAgent.
	HostID string `json:"host_id"`
	// Container is the short container name.
	Container string `json:"container"`
	// CgroupID is the kernel cgroup id, transmitted as a string to avoid
	// JSON precision loss above 2^53.
	CgroupID string `json:"cgroup_id"`
	// PID is the accessing thread-group id.
	PID uint32 `json:"pid"`
	// Syscall is the intercepted syscall name.
	Syscall string `json:"syscall"`
	// Path is the normalized absolute path.
	Path string `json:"path"`
	// TimestampUs is the observation time in Unix microseconds.
	TimestampUs int64 `json:"timestamp_us"`
}

// ServerCommand is the collector's per-event response on the stream.
type ServerCommand struct {
	// Type is "ACK" when the event was persisted, "ERROR" otherwise.
	Type string `json:"type"`
	// EventID echoes the acknowledged event's id.
	EventID string `json:"event_id,omitempty"`
	// Message carries detail for ERROR responses.
	Message string `json:"message,omitempty"`
}

// Command types returned in ServerCommand.Type.
const (
	CommandAck   = "ACK"
	CommandError = "ERROR"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "filetrace.v1.TraceService"

// TraceServiceClient is the client API for TraceService.
type TraceServiceClient interface {
	// RegisterAgent identifies the agent and returns its stable host id.
	RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	// StreamEvents opens the bidirectional event stream: the agent sends
	// Events, the collector answers with ServerCommands.
	StreamEvents(ctx context.Context, opts ...grpc.CallOption) (TraceService_StreamEventsClient, error)
}

type traceServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTraceServiceClient wraps cc in a TraceService client.
func NewTraceServiceClient(cc grpc.ClientConnInterface) TraceServiceClient {
	return &traceServiceClient{cc: cc}
}

// callOpts prepends the JSON content-subtype so the server picks the codec.
func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

func (c *traceServiceClient) RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/RegisterAgent", in, out, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *traceServiceClient) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (TraceService_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/StreamEvents", callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &traceServiceStreamEventsClient{stream}, nil
}

// TraceService_StreamEventsClient is the client side of the event stream.
type TraceService_StreamEventsClient interface {
	Send(*Event) error
	Recv() (*ServerCommand, error)
	grpc.ClientStream
}

type traceServiceStreamEventsClient struct {
	grpc.ClientStream
}

func (x *traceServiceStreamEventsClient) Send(m *Event) error {
	return x.ClientStream.SendMsg(m)
}

func (x *traceServiceStreamEventsClient) Recv() (*ServerCommand, error) {
	m := new(ServerCommand)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TraceServiceServer is the server API for TraceService.
type TraceServiceServer interface {
	RegisterAgent(ctx context.Context, in *RegisterRequest) (*RegisterResponse, error)
	StreamEvents(TraceService_StreamEventsServer) error
}

// TraceService_StreamEventsServer is the server side of the event stream.
type TraceService_StreamEventsServer interface {
	Send(*ServerCommand) error
	Recv() (*Event, error)
	grpc.ServerStream
}

type traceServiceStreamEventsServer struct {
	grpc.ServerStream
}

func (x *traceServiceStreamEventsServer) Send(m *ServerCommand) error {
	return x.ServerStream.SendMsg(m)
}

func (x *traceServiceStreamEventsServer) Recv() (*Event, error) {
	m := new(Event)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterTraceServiceServer registers srv with the gRPC server s.
func RegisterTraceServiceServer(s grpc.ServiceRegistrar, srv TraceServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func registerAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TraceServiceServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/RegisterAgent",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TraceServiceServer).RegisterAgent(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TraceServiceServer).StreamEvents(&traceServiceStreamEventsServer{stream})
}

// ServiceDesc describes TraceService for grpc-go's registration machinery.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TraceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterAgent",
			Handler:    registerAgentHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// FormatCgroupID renders a cgroup id for the wire.
func FormatCgroupID(id uint64) string {
	return fmt.Sprintf("%d", id)
}

// ParseCgroupID reads a wire cgroup id back into a uint64.
func ParseCgroupID(s string) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("tracepb: parse cgroup id %q: %w", s, err)
	}
	return id, nil
}
