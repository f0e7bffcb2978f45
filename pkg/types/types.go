package types

import "time"

// QueryId is a process-wide unique identifier for a submitted query.
type QueryId string

// WorkerId is an opaque worker identifier, unique across the registry.
type WorkerId string

// WorkerEndpoint is the host:port address RPC clients dial.
type WorkerEndpoint string

// Resources describes a worker's capacity and current utilization.
type Resources struct {
	CPUCores      int
	MemoryMB      int
	DiskMB        int
	ActiveQueries int
	CPUUtil       float64 // [0,1]
	MemUtil       float64 // [0,1]
}

// WorkerStatus is one of the worker lifecycle states.
type WorkerStatus string

const (
	WorkerStarting  WorkerStatus = "STARTING"
	WorkerHealthy   WorkerStatus = "HEALTHY"
	WorkerUnhealthy WorkerStatus = "UNHEALTHY"
	WorkerDraining  WorkerStatus = "DRAINING"
	WorkerRemoved   WorkerStatus = "REMOVED"
)

// WorkerInfo is the registry's view of one worker.
type WorkerInfo struct {
	ID              WorkerId
	Endpoint        WorkerEndpoint
	Status          WorkerStatus
	Resources       Resources
	LastHeartbeatAt time.Time
	Metadata        map[string]string
}

// StageType is the tagged variant over the fixed stage kinds; dispatch is a
// table lookup on this field, not a class hierarchy.
type StageType string

const (
	StageScan      StageType = "SCAN"
	StageFilter    StageType = "FILTER"
	StageProject   StageType = "PROJECT"
	StageAggregate StageType = "AGGREGATE"
	StageJoin      StageType = "JOIN"
	StageSort      StageType = "SORT"
	StageExchange  StageType = "EXCHANGE"
	StageFinal     StageType = "FINAL"
)

// PartitioningKind describes how a stage's output is split across workers.
type PartitioningKind string

const (
	PartitionSingle    PartitioningKind = "SINGLE"
	PartitionHash      PartitioningKind = "HASH"
	PartitionBroadcast PartitioningKind = "BROADCAST"
)

// OutputPartitioning names how a stage's output is divided.
type OutputPartitioning struct {
	Kind           PartitioningKind
	Columns        []string
	PartitionCount int
}

// DataPartition is opaque to the core; TableSource interprets FileRefs.
type DataPartition struct {
	ID       int
	FileRefs []string
	EstRows  int64
	EstBytes int64
}

// StageId identifies a stage within an ExecutionPlan.
type StageId int

// Stage is one node of the plan DAG.
type Stage struct {
	StageId            StageId
	Type               StageType
	SerializedPlan     []byte
	InputPartitions    []DataPartition
	OutputPartitioning OutputPartitioning
	DependsOn          []StageId
}

// ExecutionPlan is the externally-produced stage DAG for one query.
type ExecutionPlan struct {
	QueryId QueryId
	Stages  []Stage
}

// QueryStatus is one of the query lifecycle states.
type QueryStatus string

const (
	QuerySubmitted QueryStatus = "SUBMITTED"
	QueryPlanning  QueryStatus = "PLANNING"
	QueryRunning   QueryStatus = "RUNNING"
	QueryCompleted QueryStatus = "COMPLETED"
	QueryFailed    QueryStatus = "FAILED"
	QueryCancelled QueryStatus = "CANCELLED"
)

// ResultRef points at a FINAL stage output held in a coordinator result buffer.
type ResultRef struct {
	PartitionId int
	RowCount    int64
}

// QueryState is the coordinator's full view of one query.
type QueryState struct {
	QueryId     QueryId
	Status      QueryStatus
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorMsg    string
	Progress    float64 // [0,1]
	Assignments map[StageId][]WorkerId
	Outputs     map[StageId][]ResultRef
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// coordinator's single mutator task.
func (q QueryState) Clone() QueryState {
	out := q
	out.Assignments = make(map[StageId][]WorkerId, len(q.Assignments))
	for k, v := range q.Assignments {
		cp := make([]WorkerId, len(v))
		copy(cp, v)
		out.Assignments[k] = cp
	}
	out.Outputs = make(map[StageId][]ResultRef, len(q.Outputs))
	for k, v := range q.Outputs {
		cp := make([]ResultRef, len(v))
		copy(cp, v)
		out.Outputs[k] = cp
	}
	return out
}

// Column is one addressable column of a RecordBatch. Values are stored
// untyped; interpretation is left to the stage operators that produced them.
type Column struct {
	Name   string
	Values []any
}

// Schema names and orders a RecordBatch's columns.
type Schema struct {
	ColumnNames []string
}

// RecordBatch is the abstract columnar data container produced by a Stage
// Executor or Chunk Codec, and held by Intermediate Store or the Coordinator
// result buffer until the query completes.
type RecordBatch struct {
	Schema   Schema
	Columns  []Column
	RowCount int
}

// ColumnIndex returns the position of a column by name, or -1.
func (b RecordBatch) ColumnIndex(name string) int {
	for i, n := range b.Schema.ColumnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// CompressionKind names a Chunk payload's compression algorithm.
type CompressionKind string

const (
	CompressionNone CompressionKind = "NONE"
	CompressionZstd CompressionKind = "ZSTD"
)

// Chunk is one wire-framed piece of a chunked RecordBatch transfer. Field
// order here matches the canonical wire layout: transferId, queryId,
// stageId, partitionId, index, isLast, schemaDescriptor, payload,
// payloadUncompressedSize, compression, checksum, timestamp.
type Chunk struct {
	TransferId              string
	QueryId                 QueryId
	StageId                 StageId
	PartitionId             int
	Index                   int
	IsLast                  bool
	SchemaDescriptor        []byte
	Payload                 []byte
	PayloadUncompressedSize int
	Compression             CompressionKind
	Checksum                uint32
	Timestamp               time.Time
}

// PartitionInfo describes a partition available for pickup without
// transferring its bytes.
type PartitionInfo struct {
	QueryId     QueryId
	StageId     StageId
	PartitionId int
	RowCount    int64
	ByteSize    int64
}

// TransferResult is the receiver's reply to sendPartition, per the spec's
// Open Question resolution: an explicit result message, not an ACK chunk.
type TransferResult struct {
	Status bool
	Bytes  int64
	Rows   int64
	Chunks int
}

// ProgressUpdate is a stage executor's periodic progress report.
type ProgressUpdate struct {
	QueryId        QueryId
	StageId        StageId
	Status         AssignmentStatus
	Percent        float64
	RowsProcessed  int64
	BytesProcessed int64
	ElapsedMs      int64
}

// AssignmentStatus is one of the per-(worker,stage) assignment states.
type AssignmentStatus string

const (
	AssignmentCreated    AssignmentStatus = "CREATED"
	AssignmentDispatched AssignmentStatus = "DISPATCHED"
	AssignmentRunning    AssignmentStatus = "RUNNING"
	AssignmentSucceeded  AssignmentStatus = "SUCCEEDED"
	AssignmentFailed     AssignmentStatus = "FAILED"
	AssignmentCancelled  AssignmentStatus = "CANCELLED"
)

// ClusterMetrics summarizes registry + coordinator load for the autoscaler.
type ClusterMetrics struct {
	TotalWorkers        int
	HealthyWorkers      int
	TotalActiveQueries  int
	AvgCPUUtil          float64
	AvgMemUtil          float64
	AvgQueriesPerWorker float64
}

// ScaleAction is the autoscaler's decision for one evaluation tick.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "SCALE_UP"
	ScaleDown ScaleAction = "SCALE_DOWN"
	ScaleNoOp ScaleAction = "NO_ACTION"
)

// ScaleDecision is one autoscaler evaluation outcome.
type ScaleDecision struct {
	Action ScaleAction
	Delta  int
	Reason string
}
