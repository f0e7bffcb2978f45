package registry

import (
	"context"

	"github.com/cuemby/shardql/pkg/rpc"
)

// GRPCServer adapts the Registry to rpc.WorkerManagementServer, the gRPC
// surface workers dial to register and heartbeat with the control plane
// (spec.md §4.8/§6), grounded on warren's worker.go RegisterNode/Heartbeat
// client calls but implemented on the control-plane side this time.
type GRPCServer struct {
	reg *Registry
}

// NewGRPCServer wraps a Registry for gRPC registration.
func NewGRPCServer(reg *Registry) *GRPCServer {
	return &GRPCServer{reg: reg}
}

func (s *GRPCServer) RegisterWorker(ctx context.Context, req *rpc.RegisterWorkerRequest) (*rpc.RegisterWorkerResponse, error) {
	id := s.reg.Register(req.PreferredId, req.Endpoint, req.Resources, req.Metadata)
	return &rpc.RegisterWorkerResponse{AssignedId: id}, nil
}

func (s *GRPCServer) DeregisterWorker(ctx context.Context, req *rpc.DeregisterWorkerRequest) (*rpc.DeregisterWorkerResponse, error) {
	if err := s.reg.Deregister(req.WorkerId, req.Reason); err != nil {
		return nil, err
	}
	return &rpc.DeregisterWorkerResponse{Removed: true}, nil
}

func (s *GRPCServer) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	ack, err := s.reg.Heartbeat(req.WorkerId, req.Resources, req.StatusMetadata)
	if err != nil {
		return nil, err
	}
	instructions := make([]rpc.HeartbeatInstruction, 0, len(ack.Instructions))
	for _, i := range ack.Instructions {
		instructions = append(instructions, rpc.HeartbeatInstruction(i))
	}
	return &rpc.HeartbeatResponse{Ack: true, Instructions: instructions}, nil
}
