package interstore

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cuemby/shardql/pkg/chunkcodec"
	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

func sampleBatch() types.RecordBatch {
	return types.RecordBatch{
		Schema:   types.Schema{ColumnNames: []string{"n"}},
		Columns:  []types.Column{{Name: "n", Values: []any{1, 2, 3}}},
		RowCount: 3,
	}
}

// startGRPCServer exposes a GRPCServer over a real loopback listener, the
// way transport_test.go's startFakeServer does for its in-memory fake.
func startGRPCServer(t *testing.T, gs *GRPCServer) types.WorkerEndpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	s.RegisterService(&rpc.DataExchangeServiceDesc, gs)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return types.WorkerEndpoint(lis.Addr().String())
}

func TestGRPCServerSendThenRequestRoundTrip(t *testing.T) {
	store := New(16)
	gs := NewGRPCServer(store, chunkcodec.DefaultMaxChunkBytes)
	endpoint := startGRPCServer(t, gs)

	transport := exchange.New(exchange.RetryPolicy{Attempts: 1})
	t.Cleanup(func() { _ = transport.Close() })

	meta := chunkcodec.Meta{QueryId: "q1", StageId: 1, PartitionId: 0}
	result, err := transport.SendPartition(context.Background(), endpoint, meta, sampleBatch(), 0)
	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, int64(3), result.Rows)

	stored, err := store.Get("q1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RowCount)

	batches, err := transport.RequestPartitions(context.Background(), endpoint, "q1", 1, []int{0})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].RowCount)
}

func TestGRPCServerGetAvailablePartitions(t *testing.T) {
	store := New(16)
	store.Put("q1", 2, 0, sampleBatch())
	store.Put("q1", 2, 1, sampleBatch())
	gs := NewGRPCServer(store, chunkcodec.DefaultMaxChunkBytes)
	endpoint := startGRPCServer(t, gs)

	transport := exchange.New(exchange.RetryPolicy{Attempts: 1})
	t.Cleanup(func() { _ = transport.Close() })

	infos, err := transport.ListAvailable(context.Background(), endpoint, "q1", 2)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestGRPCServerRequestDataSkipsMissingPartitions(t *testing.T) {
	store := New(16)
	gs := NewGRPCServer(store, chunkcodec.DefaultMaxChunkBytes)
	endpoint := startGRPCServer(t, gs)

	transport := exchange.New(exchange.RetryPolicy{Attempts: 1})
	t.Cleanup(func() { _ = transport.Close() })

	batches, err := transport.RequestPartitions(context.Background(), endpoint, "missing", 1, []int{0})
	require.NoError(t, err)
	assert.Empty(t, batches)
}
