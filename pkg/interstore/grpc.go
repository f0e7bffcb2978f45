package interstore

import (
	"context"
	"io"

	"github.com/cuemby/shardql/pkg/chunkcodec"
	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// GRPCServer adapts a Store to rpc.DataExchangeServer, the worker-to-worker
// surface a peer's exchange.Transport dials to push and pull partitions
// (spec.md §4.2/§4.3), grounded on exchange/transport_test.go's
// fakeDataExchangeServer but backed by a real Store instead of an in-memory
// map, and using maxChunkBytes to re-chunk stored batches on the way out.
type GRPCServer struct {
	store         *Store
	maxChunkBytes int64
}

// NewGRPCServer wraps store for gRPC service, re-chunking outbound batches
// to maxChunkBytes (0 falls back to chunkcodec's own default via Encode).
func NewGRPCServer(store *Store, maxChunkBytes int64) *GRPCServer {
	return &GRPCServer{store: store, maxChunkBytes: maxChunkBytes}
}

// StreamData is unused: SendPartition and RequestPartitions use the
// unary-streaming SendResults/RequestData RPCs instead, per the spec's Open
// Question resolution documented on Transport.SendPartition. Kept to
// satisfy rpc.DataExchangeServer and reserved for a future bidi fast path.
func (s *GRPCServer) StreamData(stream rpc.DataExchangeStreamDataServer) error {
	return nil
}

// RequestData streams the requested partitions of (queryId, stageId) back
// to the caller, re-encoding each stored RecordBatch into the wire chunk
// sequence.
func (s *GRPCServer) RequestData(req *rpc.DataRequest, stream rpc.DataExchangeRequestDataServer) error {
	for _, pid := range req.PartitionId {
		batch, err := s.store.Get(req.QueryId, req.StageId, pid)
		if err != nil {
			continue
		}
		meta := chunkcodec.Meta{
			QueryId:     req.QueryId,
			StageId:     req.StageId,
			PartitionId: pid,
			Compression: types.CompressionZstd,
		}
		chunks, err := chunkcodec.Encode(batch, meta, s.maxChunkBytes)
		if err != nil {
			return serrors.Wrap(serrors.Internal, "encode partition for request", err)
		}
		for _, c := range chunks {
			if err := stream.Send(&rpc.ChunkMessage{Chunk: c}); err != nil {
				return serrors.Wrap(serrors.CorruptTransfer, "send chunk", err)
			}
		}
	}
	return nil
}

// SendResults receives a sender's chunk sequence, decodes it back into a
// RecordBatch and stores it under the chunks' (queryId, stageId,
// partitionId), replying with a TransferResult.
func (s *GRPCServer) SendResults(stream rpc.DataExchangeSendResultsServer) error {
	var chunks []types.Chunk
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return serrors.Wrap(serrors.CorruptTransfer, "receive chunk", err)
		}
		chunks = append(chunks, msg.Chunk)
	}
	if len(chunks) == 0 {
		return stream.SendAndClose(&rpc.SendResultsResponse{Result: types.TransferResult{Status: true}})
	}

	batch, err := chunkcodec.Decode(chunks)
	if err != nil {
		return serrors.Wrap(serrors.CorruptTransfer, "decode partition", err)
	}

	first := chunks[0]
	s.store.Put(first.QueryId, first.StageId, first.PartitionId, batch)

	var bytes int64
	for _, c := range chunks {
		bytes += int64(len(c.Payload))
	}
	return stream.SendAndClose(&rpc.SendResultsResponse{Result: types.TransferResult{
		Status: true,
		Bytes:  bytes,
		Rows:   int64(batch.RowCount),
		Chunks: len(chunks),
	}})
}

// GetAvailablePartitions reports the partitions this worker currently
// holds for (queryId, stageId).
func (s *GRPCServer) GetAvailablePartitions(ctx context.Context, req *rpc.GetAvailablePartitionsRequest) (*rpc.GetAvailablePartitionsResponse, error) {
	return &rpc.GetAvailablePartitionsResponse{Partitions: s.store.ListPartitions(req.QueryId, req.StageId)}, nil
}
