package grpcPack

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// ServiceName is the fully qualified name of the replication service.
const ServiceName = "cloudledger.Replication"

const (
	getLedgerMethod     = "/" + ServiceName + "/GetLedger"
	streamLedgersMethod = "/" + ServiceName + "/StreamLedgers"
)

// codecName is the content subtype every replication call uses.
const codecName = "json"

// jsonCodec carries replication messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GetLedgerRequest asks for one archived ledger. Seq 0 means the latest.
type GetLedgerRequest struct {
	Seq uint32 `json:"seq"`
}

// StreamLedgersRequest asks for every ledger from FromSeq on, archived ones
// first and then live ones.
type StreamLedgersRequest struct {
	FromSeq uint32 `json:"from_seq"`
}

// LedgerMessage is one closed ledger on the wire.
type LedgerMessage struct {
	Header  ledger.Header        `json:"header"`
	Meta    []byte               `json:"meta"`
	Results []execution.TxResult `json:"results,omitempty"`
}

// ReplicationServer is the server API of the replication service.
type ReplicationServer interface {
	GetLedger(context.Context, *GetLedgerRequest) (*LedgerMessage, error)
	StreamLedgers(*StreamLedgersRequest, Replication_StreamLedgersServer) error
}

// Replication_StreamLedgersServer is the server side of StreamLedgers.
type Replication_StreamLedgersServer interface {
	Send(*LedgerMessage) error
	grpc.ServerStream
}

type replicationStreamLedgersServer struct {
	grpc.ServerStream
}

func (x *replicationStreamLedgersServer) Send(m *LedgerMessage) error {
	return x.ServerStream.SendMsg(m)
}

func _Replication_GetLedger_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetLedgerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).GetLedger(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getLedgerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).GetLedger(ctx, req.(*GetLedgerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Replication_StreamLedgers_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(StreamLedgersRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ReplicationServer).StreamLedgers(m, &replicationStreamLedgersServer{stream})
}

// ReplicationServiceDesc describes the service for grpc.Server.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetLedger", Handler: _Replication_GetLedger_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamLedgers", Handler: _Replication_StreamLedgers_Handler, ServerStreams: true},
	},
	Metadata: "cloudledger/replication",
}

// RegisterReplicationServer registers srv on s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

// ReplicationClient is the client API of the replication service.
type ReplicationClient interface {
	GetLedger(ctx context.Context, in *GetLedgerRequest, opts ...grpc.CallOption) (*LedgerMessage, error)
	StreamLedgers(ctx context.Context, in *StreamLedgersRequest, opts ...grpc.CallOption) (Replication_StreamLedgersClient, error)
}

// Replication_StreamLedgersClient is the client side of StreamLedgers.
type Replication_StreamLedgersClient interface {
	Recv() (*LedgerMessage, error)
	grpc.ClientStream
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient wraps a connection. Calls use the JSON codec.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func (c *replicationClient) GetLedger(ctx context.Context, in *GetLedgerRequest, opts ...grpc.CallOption) (*LedgerMessage, error) {
	out := new(LedgerMessage)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, getLedgerMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) StreamLedgers(ctx context.Context, in *StreamLedgersRequest, opts ...grpc.CallOption) (Replication_StreamLedgersClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ReplicationServiceDesc.Streams[0], streamLedgersMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &replicationStreamLedgersClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type replicationStreamLedgersClient struct {
	grpc.ClientStream
}

func (x *replicationStreamLedgersClient) Recv() (*LedgerMessage, error) {
	m := new(LedgerMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
