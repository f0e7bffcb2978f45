package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ExecutionServer is implemented by the worker process (control -> worker).
type ExecutionServer interface {
	ExecuteStage(ctx context.Context, req *ExecuteStageRequest) (*ExecuteStageResponse, error)
	StreamProgress(req *StreamProgressRequest, stream ExecutionStreamProgressServer) error
	CancelQuery(ctx context.Context, req *CancelQueryRequest) (*CancelQueryResponse, error)
	ReportHealth(ctx context.Context, req *ReportHealthRequest) (*ReportHealthResponse, error)
}

// ReportHealthResponse returns the worker's current self-reported info.
type ReportHealthResponse struct {
	WorkerId  string
	Status    string
	CPUUtil   float64
	MemUtil   float64
}

// ExecutionStreamProgressServer is the server side of the StreamProgress
// server-streaming RPC.
type ExecutionStreamProgressServer interface {
	Send(*ProgressMessage) error
	grpc.ServerStream
}

// ProgressMessage wraps a types.ProgressUpdate for the wire.
type ProgressMessage struct {
	QueryId        string
	StageId        int
	Status         string
	Percent        float64
	RowsProcessed  int64
	BytesProcessed int64
	ElapsedMs      int64
}

type executionStreamProgressServer struct {
	grpc.ServerStream
}

func (x *executionStreamProgressServer) Send(m *ProgressMessage) error {
	return x.ServerStream.SendMsg(m)
}

func executionExecuteStageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteStageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).ExecuteStage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.Execution/ExecuteStage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).ExecuteStage(ctx, req.(*ExecuteStageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executionCancelQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelQueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).CancelQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.Execution/CancelQuery"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).CancelQuery(ctx, req.(*CancelQueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executionReportHealthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReportHealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).ReportHealth(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.Execution/ReportHealth"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).ReportHealth(ctx, req.(*ReportHealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executionStreamProgressHandler(srv any, stream grpc.ServerStream) error {
	m := new(StreamProgressRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ExecutionServer).StreamProgress(m, &executionStreamProgressServer{stream})
}

// ExecutionServiceDesc mirrors what protoc-gen-go-grpc would emit for the
// Execution service named in §4.8.
var ExecutionServiceDesc = grpc.ServiceDesc{
	ServiceName: "shardql.Execution",
	HandlerType: (*ExecutionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteStage", Handler: executionExecuteStageHandler},
		{MethodName: "CancelQuery", Handler: executionCancelQueryHandler},
		{MethodName: "ReportHealth", Handler: executionReportHealthHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamProgress", Handler: executionStreamProgressHandler, ServerStreams: true},
	},
	Metadata: "shardql/execution.proto",
}

// ExecutionClient is the coordinator-side client for the Execution service.
type ExecutionClient struct {
	cc *grpc.ClientConn
}

// NewExecutionClient wraps an existing connection.
func NewExecutionClient(cc *grpc.ClientConn) *ExecutionClient { return &ExecutionClient{cc: cc} }

func (c *ExecutionClient) ExecuteStage(ctx context.Context, req *ExecuteStageRequest) (*ExecuteStageResponse, error) {
	out := new(ExecuteStageResponse)
	err := c.cc.Invoke(ctx, "/shardql.Execution/ExecuteStage", req, out)
	return out, err
}

func (c *ExecutionClient) CancelQuery(ctx context.Context, req *CancelQueryRequest) (*CancelQueryResponse, error) {
	out := new(CancelQueryResponse)
	err := c.cc.Invoke(ctx, "/shardql.Execution/CancelQuery", req, out)
	return out, err
}

func (c *ExecutionClient) ReportHealth(ctx context.Context, req *ReportHealthRequest) (*ReportHealthResponse, error) {
	out := new(ReportHealthResponse)
	err := c.cc.Invoke(ctx, "/shardql.Execution/ReportHealth", req, out)
	return out, err
}

// ExecutionStreamProgressClient is the client side of the server-streaming
// StreamProgress RPC.
type ExecutionStreamProgressClient interface {
	Recv() (*ProgressMessage, error)
	grpc.ClientStream
}

type executionStreamProgressClient struct {
	grpc.ClientStream
}

func (x *executionStreamProgressClient) Recv() (*ProgressMessage, error) {
	m := new(ProgressMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *ExecutionClient) StreamProgress(ctx context.Context, req *StreamProgressRequest) (ExecutionStreamProgressClient, error) {
	stream, err := c.cc.NewStream(ctx, &ExecutionServiceDesc.Streams[0], "/shardql.Execution/StreamProgress")
	if err != nil {
		return nil, err
	}
	x := &executionStreamProgressClient{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
