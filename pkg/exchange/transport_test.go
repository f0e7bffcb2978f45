package exchange

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cuemby/shardql/pkg/chunkcodec"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// fakeDataExchangeServer is a minimal, in-memory DataExchangeServer used to
// exercise Transport without a real worker process.
type fakeDataExchangeServer struct {
	held map[int][]types.Chunk // partitionId -> chunks, for RequestData/GetAvailablePartitions
}

func (f *fakeDataExchangeServer) StreamData(stream rpc.DataExchangeStreamDataServer) error {
	return nil
}

func (f *fakeDataExchangeServer) RequestData(req *rpc.DataRequest, stream rpc.DataExchangeRequestDataServer) error {
	for _, pid := range req.PartitionId {
		for _, c := range f.held[pid] {
			if err := stream.Send(&rpc.ChunkMessage{Chunk: c}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeDataExchangeServer) SendResults(stream rpc.DataExchangeSendResultsServer) error {
	var chunks []types.Chunk
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		chunks = append(chunks, msg.Chunk)
	}
	batch, err := chunkcodec.Decode(chunks)
	if err != nil {
		return err
	}
	return stream.SendAndClose(&rpc.SendResultsResponse{Result: types.TransferResult{
		Status: true,
		Rows:   int64(batch.RowCount),
		Chunks: len(chunks),
	}})
}

func (f *fakeDataExchangeServer) GetAvailablePartitions(ctx context.Context, req *rpc.GetAvailablePartitionsRequest) (*rpc.GetAvailablePartitionsResponse, error) {
	var out []types.PartitionInfo
	for pid := range f.held {
		out = append(out, types.PartitionInfo{QueryId: req.QueryId, StageId: req.StageId, PartitionId: pid})
	}
	return &rpc.GetAvailablePartitionsResponse{Partitions: out}, nil
}

// startFakeServer listens on a real loopback port (Transport.Dial has no
// custom-dialer hook, unlike pkg/rpc's own bufconn-based tests) and returns
// its address plus a stop func.
func startFakeServer(t *testing.T, srv *fakeDataExchangeServer) types.WorkerEndpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	s.RegisterService(&rpc.DataExchangeServiceDesc, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return types.WorkerEndpoint(lis.Addr().String())
}

func sampleBatch() types.RecordBatch {
	return types.RecordBatch{
		Schema: types.Schema{ColumnNames: []string{"id", "name"}},
		Columns: []types.Column{
			{Name: "id", Values: []any{1, 2, 3}},
			{Name: "name", Values: []any{"a", "b", "c"}},
		},
		RowCount: 3,
	}
}

func TestSendPartitionRoundTrip(t *testing.T) {
	srv := &fakeDataExchangeServer{held: map[int][]types.Chunk{}}
	endpoint := startFakeServer(t, srv)
	tr := New(DefaultRetryPolicy())
	defer tr.Close()

	result, err := tr.SendPartition(context.Background(), endpoint, chunkcodec.Meta{
		TransferId: "t1", QueryId: "q1", StageId: 1, PartitionId: 0,
	}, sampleBatch(), chunkcodec.DefaultMaxChunkBytes)

	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, int64(3), result.Rows)
}

func TestRequestPartitionsRoundTrip(t *testing.T) {
	batch := sampleBatch()
	chunks, err := chunkcodec.Encode(batch, chunkcodec.Meta{QueryId: "q1", StageId: 2, PartitionId: 0}, chunkcodec.DefaultMaxChunkBytes)
	require.NoError(t, err)

	srv := &fakeDataExchangeServer{held: map[int][]types.Chunk{0: chunks}}
	endpoint := startFakeServer(t, srv)
	tr := New(DefaultRetryPolicy())
	defer tr.Close()

	batches, err := tr.RequestPartitions(context.Background(), endpoint, "q1", 2, []int{0})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].RowCount)
}

func TestListAvailable(t *testing.T) {
	srv := &fakeDataExchangeServer{held: map[int][]types.Chunk{0: nil, 1: nil}}
	endpoint := startFakeServer(t, srv)
	tr := New(DefaultRetryPolicy())
	defer tr.Close()

	infos, err := tr.ListAvailable(context.Background(), endpoint, "q1", 1)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestShuffleDistributesAcrossTargets(t *testing.T) {
	srv1 := &fakeDataExchangeServer{held: map[int][]types.Chunk{}}
	srv2 := &fakeDataExchangeServer{held: map[int][]types.Chunk{}}
	ep1 := startFakeServer(t, srv1)
	ep2 := startFakeServer(t, srv2)
	tr := New(DefaultRetryPolicy())
	defer tr.Close()

	batch := types.RecordBatch{
		Schema: types.Schema{ColumnNames: []string{"id"}},
		Columns: []types.Column{
			{Name: "id", Values: []any{1, 2, 3, 4, 5, 6}},
		},
		RowCount: 6,
	}

	err := tr.Shuffle(context.Background(), []types.WorkerEndpoint{ep1, ep2},
		chunkcodec.Meta{QueryId: "q1", StageId: 3}, batch, []string{"id"}, chunkcodec.DefaultMaxChunkBytes)
	require.NoError(t, err)
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Initial: 100 * time.Millisecond, Multiplier: 2.0, Jitter: 0}
	assert.InDelta(t, 100*time.Millisecond, p.backoff(0), float64(5*time.Millisecond))
	assert.InDelta(t, 200*time.Millisecond, p.backoff(1), float64(5*time.Millisecond))
}
