package rpc

import "github.com/cuemby/shardql/pkg/types"

// Messages below are the JSON-carried request/response payloads for each
// RPC named in spec.md §4.8 / §6. Field names are exported so the JSON codec
// round-trips them without tags; this mirrors how warren's handlers pass
// its (absent, in this pack) protobuf messages straight through.

// ExecuteStageRequest is the control-plane -> worker stage dispatch.
type ExecuteStageRequest struct {
	TraceId string
	Stage   types.Stage
	QueryId types.QueryId
}

// ExecuteStageResponse acknowledges dispatch (not completion).
type ExecuteStageResponse struct {
	Accepted bool
	Message  string
}

// StreamProgressRequest opens a server-stream of ProgressUpdate for a query.
type StreamProgressRequest struct {
	TraceId string
	QueryId types.QueryId
}

// CancelQueryRequest asks a worker to cancel its assignment for a query.
type CancelQueryRequest struct {
	TraceId string
	QueryId types.QueryId
	Reason  string
}

// CancelQueryResponse reports whether cancellation was acknowledged.
type CancelQueryResponse struct {
	Cancelled bool
}

// ReportHealthRequest asks a worker to report its current WorkerInfo.
type ReportHealthRequest struct {
	TraceId  string
	WorkerId types.WorkerId
}

// RegisterWorkerRequest is a worker's registration request to the control
// plane.
type RegisterWorkerRequest struct {
	TraceId      string
	PreferredId  types.WorkerId
	Endpoint     types.WorkerEndpoint
	Resources    types.Resources
	Metadata     map[string]string
}

// RegisterWorkerResponse returns the registry-assigned (possibly suffixed)
// worker id.
type RegisterWorkerResponse struct {
	AssignedId types.WorkerId
}

// DeregisterWorkerRequest explicitly removes a worker.
type DeregisterWorkerRequest struct {
	WorkerId types.WorkerId
	Reason   string
}

// DeregisterWorkerResponse acknowledges removal.
type DeregisterWorkerResponse struct {
	Removed bool
}

// HeartbeatRequest is a worker's periodic liveness report.
type HeartbeatRequest struct {
	WorkerId       types.WorkerId
	Resources      types.Resources
	StatusMetadata map[string]string
}

// HeartbeatInstruction is an out-of-band directive piggybacked on the
// heartbeat ack.
type HeartbeatInstruction string

const (
	InstructionDrain    HeartbeatInstruction = "DRAIN"
	InstructionShutdown HeartbeatInstruction = "SHUTDOWN"
)

// HeartbeatResponse acknowledges a heartbeat and carries any instructions.
type HeartbeatResponse struct {
	Ack          bool
	Instructions []HeartbeatInstruction
}

// ChunkMessage is the wire envelope for one types.Chunk on a data-exchange
// stream.
type ChunkMessage struct {
	Chunk types.Chunk
}

// DataRequest asks a source worker for a set of partitions.
type DataRequest struct {
	TraceId     string
	QueryId     types.QueryId
	StageId     types.StageId
	PartitionId []int
}

// SendResultsResponse is the client-stream response after a worker finishes
// sending its chunk sequence.
type SendResultsResponse struct {
	Result types.TransferResult
}

// GetAvailablePartitionsRequest lists partitions a worker currently holds.
type GetAvailablePartitionsRequest struct {
	QueryId types.QueryId
	StageId types.StageId
}

// GetAvailablePartitionsResponse returns the partition inventory.
type GetAvailablePartitionsResponse struct {
	Partitions []types.PartitionInfo
}
