package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/cuemby/shardql/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeExecutionServer struct {
	lastQuery types.QueryId
}

func (f *fakeExecutionServer) ExecuteStage(ctx context.Context, req *ExecuteStageRequest) (*ExecuteStageResponse, error) {
	f.lastQuery = req.QueryId
	return &ExecuteStageResponse{Accepted: true}, nil
}

func (f *fakeExecutionServer) StreamProgress(req *StreamProgressRequest, stream ExecutionStreamProgressServer) error {
	return stream.Send(&ProgressMessage{QueryId: string(req.QueryId), Percent: 1.0})
}

func (f *fakeExecutionServer) CancelQuery(ctx context.Context, req *CancelQueryRequest) (*CancelQueryResponse, error) {
	return &CancelQueryResponse{Cancelled: true}, nil
}

func (f *fakeExecutionServer) ReportHealth(ctx context.Context, req *ReportHealthRequest) (*ReportHealthResponse, error) {
	return &ReportHealthResponse{WorkerId: string(req.WorkerId), Status: "HEALTHY"}, nil
}

func dialBufconn(t *testing.T, srv *fakeExecutionServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	s.RegisterService(&ExecutionServiceDesc, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOptions()...),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExecuteStageRoundTrip(t *testing.T) {
	srv := &fakeExecutionServer{}
	conn := dialBufconn(t, srv)
	client := NewExecutionClient(conn)

	resp, err := client.ExecuteStage(context.Background(), &ExecuteStageRequest{
		QueryId: "q1",
		Stage:   types.Stage{StageId: 1, Type: types.StageScan},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, types.QueryId("q1"), srv.lastQuery)
}

func TestStreamProgress(t *testing.T) {
	srv := &fakeExecutionServer{}
	conn := dialBufconn(t, srv)
	client := NewExecutionClient(conn)

	stream, err := client.StreamProgress(context.Background(), &StreamProgressRequest{QueryId: "q1"})
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "q1", msg.QueryId)
	assert.Equal(t, 1.0, msg.Percent)
}

func TestCancelQuery(t *testing.T) {
	srv := &fakeExecutionServer{}
	conn := dialBufconn(t, srv)
	client := NewExecutionClient(conn)

	resp, err := client.CancelQuery(context.Background(), &CancelQueryRequest{QueryId: "q1"})
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)
}
