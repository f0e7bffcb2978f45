package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerManagementServer is implemented by the control plane (worker ->
// control).
type WorkerManagementServer interface {
	RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	DeregisterWorker(ctx context.Context, req *DeregisterWorkerRequest) (*DeregisterWorkerResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
}

func workerMgmtRegisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterWorkerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerManagementServer).RegisterWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.WorkerManagement/RegisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerManagementServer).RegisterWorker(ctx, req.(*RegisterWorkerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func workerMgmtDeregisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeregisterWorkerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerManagementServer).DeregisterWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.WorkerManagement/DeregisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerManagementServer).DeregisterWorker(ctx, req.(*DeregisterWorkerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func workerMgmtHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerManagementServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shardql.WorkerManagement/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerManagementServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// WorkerManagementServiceDesc mirrors protoc-gen-go-grpc output for the
// Worker Management service named in §4.8.
var WorkerManagementServiceDesc = grpc.ServiceDesc{
	ServiceName: "shardql.WorkerManagement",
	HandlerType: (*WorkerManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: workerMgmtRegisterHandler},
		{MethodName: "DeregisterWorker", Handler: workerMgmtDeregisterHandler},
		{MethodName: "Heartbeat", Handler: workerMgmtHeartbeatHandler},
	},
	Metadata: "shardql/worker_management.proto",
}

// WorkerManagementClient is the worker-side client for this service.
type WorkerManagementClient struct {
	cc *grpc.ClientConn
}

func NewWorkerManagementClient(cc *grpc.ClientConn) *WorkerManagementClient {
	return &WorkerManagementClient{cc: cc}
}

func (c *WorkerManagementClient) RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*RegisterWorkerResponse, error) {
	out := new(RegisterWorkerResponse)
	err := c.cc.Invoke(ctx, "/shardql.WorkerManagement/RegisterWorker", req, out)
	return out, err
}

func (c *WorkerManagementClient) DeregisterWorker(ctx context.Context, req *DeregisterWorkerRequest) (*DeregisterWorkerResponse, error) {
	out := new(DeregisterWorkerResponse)
	err := c.cc.Invoke(ctx, "/shardql.WorkerManagement/DeregisterWorker", req, out)
	return out, err
}

func (c *WorkerManagementClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	err := c.cc.Invoke(ctx, "/shardql.WorkerManagement/Heartbeat", req, out)
	return out, err
}
