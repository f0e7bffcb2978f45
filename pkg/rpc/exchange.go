package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// DataExchangeServer is implemented by every worker (worker <-> worker).
type DataExchangeServer interface {
	StreamData(stream DataExchangeStreamDataServer) error
	RequestData(req *DataRequest, stream DataExchangeRequestDataServer) error
	SendResults(stream DataExchangeSendResultsServer) error
	GetAvailablePartitions(ctx context.Context, req *GetAvailablePartitionsRequest) (*GetAvailablePartitionsResponse, error)
}

// DataExchangeStreamDataServer is the server side of the bidirectional
// StreamData RPC (Transport.SendPartition uses SendResults, not this RPC).
type DataExchangeStreamDataServer interface {
	Send(*ChunkMessage) error
	Recv() (*ChunkMessage, error)
	grpc.ServerStream
}

type dataExchangeStreamDataServer struct{ grpc.ServerStream }

func (x *dataExchangeStreamDataServer) Send(m *ChunkMessage) error { return x.ServerStream.SendMsg(m) }
func (x *dataExchangeStreamDataServer) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DataExchangeRequestDataServer is the server side of the server-streaming
// RequestData RPC.
type DataExchangeRequestDataServer interface {
	Send(*ChunkMessage) error
	grpc.ServerStream
}

type dataExchangeRequestDataServer struct{ grpc.ServerStream }

func (x *dataExchangeRequestDataServer) Send(m *ChunkMessage) error { return x.ServerStream.SendMsg(m) }

// DataExchangeSendResultsServer is the server side of the client-streaming
// SendResults RPC.
type DataExchangeSendResultsServer interface {
	SendAndClose(*SendResultsResponse) error
	Recv() (*ChunkMessage, error)
	grpc.ServerStream
}

type dataExchangeSendResultsServer struct{ grpc.ServerStream }

func (x *dataExchangeSendResultsServer) SendAndClose(m *SendResultsResponse) error {
	return x.ServerStream.SendMsg(m)
}
func (x *dataExchangeSendResultsServer) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func dataExchangeStreamDataHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DataExchangeServer).StreamData(&dataExchangeStreamDataServer{stream})
}

func dataExchangeRequestDataHandler(srv any, stream grpc.ServerStream) error {
	m := new(DataRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(DataExchangeServer).RequestData(m, &dataExchangeRequestDataServer{stream})
}

func dataExchangeSendResultsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DataExchangeServer).SendResults(&dataExchangeSendResultsServer{stream})
}

func dataExchangeGetAvailablePartitionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetAvailablePartitionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataExchangeServer).GetAvailablePartitions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.DataExchange/GetAvailablePartitions"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataExchangeServer).GetAvailablePartitions(ctx, req.(*GetAvailablePartitionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// DataExchangeServiceDesc mirrors protoc-gen-go-grpc output for the Data
// Exchange service named in §4.8.
var DataExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: "shardql.DataExchange",
	HandlerType: (*DataExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAvailablePartitions", Handler: dataExchangeGetAvailablePartitionsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamData", Handler: dataExchangeStreamDataHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "RequestData", Handler: dataExchangeRequestDataHandler, ServerStreams: true},
		{StreamName: "SendResults", Handler: dataExchangeSendResultsHandler, ClientStreams: true},
	},
	Metadata: "shardql/data_exchange.proto",
}

// DataExchangeClient is the worker-side client for peer-to-peer exchange.
type DataExchangeClient struct {
	cc *grpc.ClientConn
}

func NewDataExchangeClient(cc *grpc.ClientConn) *DataExchangeClient {
	return &DataExchangeClient{cc: cc}
}

// DataExchangeStreamDataClient is the client side of the bidi StreamData RPC.
type DataExchangeStreamDataClient interface {
	Send(*ChunkMessage) error
	Recv() (*ChunkMessage, error)
	grpc.ClientStream
}

type dataExchangeStreamDataClient struct{ grpc.ClientStream }

func (x *dataExchangeStreamDataClient) Send(m *ChunkMessage) error { return x.ClientStream.SendMsg(m) }
func (x *dataExchangeStreamDataClient) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *DataExchangeClient) StreamData(ctx context.Context) (DataExchangeStreamDataClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataExchangeServiceDesc.Streams[0], "/shardql.DataExchange/StreamData")
	if err != nil {
		return nil, err
	}
	return &dataExchangeStreamDataClient{stream}, nil
}

// DataExchangeRequestDataClient is the client side of the server-streaming
// RequestData RPC.
type DataExchangeRequestDataClient interface {
	Recv() (*ChunkMessage, error)
	grpc.ClientStream
}

type dataExchangeRequestDataClient struct{ grpc.ClientStream }

func (x *dataExchangeRequestDataClient) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *DataExchangeClient) RequestData(ctx context.Context, req *DataRequest) (DataExchangeRequestDataClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataExchangeServiceDesc.Streams[1], "/shardql.DataExchange/RequestData")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &dataExchangeRequestDataClient{stream}, nil
}

// DataExchangeSendResultsClient is the client side of the client-streaming
// SendResults RPC.
type DataExchangeSendResultsClient interface {
	Send(*ChunkMessage) error
	CloseAndRecv() (*SendResultsResponse, error)
	grpc.ClientStream
}

type dataExchangeSendResultsClient struct{ grpc.ClientStream }

func (x *dataExchangeSendResultsClient) Send(m *ChunkMessage) error { return x.ClientStream.SendMsg(m) }
func (x *dataExchangeSendResultsClient) CloseAndRecv() (*SendResultsResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(SendResultsResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *DataExchangeClient) SendResults(ctx context.Context) (DataExchangeSendResultsClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataExchangeServiceDesc.Streams[2], "/shardql.DataExchange/SendResults")
	if err != nil {
		return nil, err
	}
	return &dataExchangeSendResultsClient{stream}, nil
}

func (c *DataExchangeClient) GetAvailablePartitions(ctx context.Context, req *GetAvailablePartitionsRequest) (*GetAvailablePartitionsResponse, error) {
	out := new(GetAvailablePartitionsResponse)
	err := c.cc.Invoke(ctx, "/shardql.DataExchange/GetAvailablePartitions", req, out)
	return out, err
}
