package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// fakeWorker is a minimal rpc.ExecutionServer that immediately "succeeds"
// every dispatched stage and reports it over StreamProgress, standing in
// for a real worker process in coordinator-level tests.
type fakeWorker struct {
	mu      sync.Mutex
	updates map[types.QueryId]chan *rpc.ProgressMessage
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{updates: make(map[types.QueryId]chan *rpc.ProgressMessage)}
}

func (w *fakeWorker) chFor(q types.QueryId) chan *rpc.ProgressMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.updates[q]
	if !ok {
		ch = make(chan *rpc.ProgressMessage, 16)
		w.updates[q] = ch
	}
	return ch
}

func (w *fakeWorker) ExecuteStage(ctx context.Context, req *rpc.ExecuteStageRequest) (*rpc.ExecuteStageResponse, error) {
	ch := w.chFor(req.QueryId)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch <- &rpc.ProgressMessage{QueryId: string(req.QueryId), StageId: int(req.Stage.StageId), Status: string(types.AssignmentSucceeded), Percent: 1}
	}()
	return &rpc.ExecuteStageResponse{Accepted: true}, nil
}

func (w *fakeWorker) StreamProgress(req *rpc.StreamProgressRequest, stream rpc.ExecutionStreamProgressServer) error {
	ch := w.chFor(req.QueryId)
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case m := <-ch:
			if err := stream.Send(m); err != nil {
				return err
			}
		}
	}
}

func (w *fakeWorker) CancelQuery(ctx context.Context, req *rpc.CancelQueryRequest) (*rpc.CancelQueryResponse, error) {
	return &rpc.CancelQueryResponse{Cancelled: true}, nil
}

func (w *fakeWorker) ReportHealth(ctx context.Context, req *rpc.ReportHealthRequest) (*rpc.ReportHealthResponse, error) {
	return &rpc.ReportHealthResponse{WorkerId: string(req.WorkerId), Status: "HEALTHY"}, nil
}

func startFakeWorker(t *testing.T) types.WorkerEndpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := rpc.NewServer(nil)
	s.RegisterService(&rpc.ExecutionServiceDesc, newFakeWorker())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return types.WorkerEndpoint(lis.Addr().String())
}

// alwaysFailWorker acks every ExecuteStage but reports the stage as failed
// over StreamProgress, standing in for a worker whose dispatch RPC succeeds
// but whose execution never does.
type alwaysFailWorker struct {
	mu      sync.Mutex
	updates map[types.QueryId]chan *rpc.ProgressMessage
}

func newAlwaysFailWorker() *alwaysFailWorker {
	return &alwaysFailWorker{updates: make(map[types.QueryId]chan *rpc.ProgressMessage)}
}

func (w *alwaysFailWorker) chFor(q types.QueryId) chan *rpc.ProgressMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.updates[q]
	if !ok {
		ch = make(chan *rpc.ProgressMessage, 16)
		w.updates[q] = ch
	}
	return ch
}

func (w *alwaysFailWorker) ExecuteStage(ctx context.Context, req *rpc.ExecuteStageRequest) (*rpc.ExecuteStageResponse, error) {
	ch := w.chFor(req.QueryId)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch <- &rpc.ProgressMessage{QueryId: string(req.QueryId), StageId: int(req.Stage.StageId), Status: string(types.AssignmentFailed)}
	}()
	return &rpc.ExecuteStageResponse{Accepted: true}, nil
}

func (w *alwaysFailWorker) StreamProgress(req *rpc.StreamProgressRequest, stream rpc.ExecutionStreamProgressServer) error {
	ch := w.chFor(req.QueryId)
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case m := <-ch:
			if err := stream.Send(m); err != nil {
				return err
			}
		}
	}
}

func (w *alwaysFailWorker) CancelQuery(ctx context.Context, req *rpc.CancelQueryRequest) (*rpc.CancelQueryResponse, error) {
	return &rpc.CancelQueryResponse{Cancelled: true}, nil
}

func (w *alwaysFailWorker) ReportHealth(ctx context.Context, req *rpc.ReportHealthRequest) (*rpc.ReportHealthResponse, error) {
	return &rpc.ReportHealthResponse{WorkerId: string(req.WorkerId), Status: "HEALTHY"}, nil
}

func startAlwaysFailWorker(t *testing.T) types.WorkerEndpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := rpc.NewServer(nil)
	s.RegisterService(&rpc.ExecutionServiceDesc, newAlwaysFailWorker())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return types.WorkerEndpoint(lis.Addr().String())
}

type fakeDirectory struct {
	workers []types.WorkerInfo
}

func (d *fakeDirectory) PickLeastLoaded(n int) []types.WorkerInfo {
	if n > len(d.workers) {
		n = len(d.workers)
	}
	return d.workers[:n]
}

func (d *fakeDirectory) Get(id types.WorkerId) (types.WorkerInfo, error) {
	for _, w := range d.workers {
		if w.ID == id {
			return w, nil
		}
	}
	return types.WorkerInfo{}, assert.AnError
}

type fakeState struct {
	mu      sync.Mutex
	queries map[types.QueryId]types.QueryState
}

func newFakeState() *fakeState { return &fakeState{queries: make(map[types.QueryId]types.QueryState)} }

func (s *fakeState) SubmitQuery(q types.QueryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.QueryId] = q
	return nil
}

func (s *fakeState) UpdateQuery(q types.QueryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.QueryId] = q
	return nil
}

func (s *fakeState) RecordAssignment(types.QueryId, types.StageId, types.WorkerId) error { return nil }
func (s *fakeState) RecordOutput(types.QueryId, types.StageId, types.ResultRef) error     { return nil }

func (s *fakeState) QueryStatus(q types.QueryId) (types.QueryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.queries[q]
	if !ok {
		return types.QueryState{}, assert.AnError
	}
	return st, nil
}

func (s *fakeState) statusOf(q types.QueryId) types.QueryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[q].Status
}

func newTestCoordinator(t *testing.T, dir *fakeDirectory, state *fakeState) *Coordinator {
	t.Helper()
	transport := exchange.New(exchange.DefaultRetryPolicy())
	t.Cleanup(func() { _ = transport.Close() })
	return New(DefaultConfig(), dir, state, transport, NewProgressBroker())
}

func TestSubmitDispatchesAndCompletes(t *testing.T) {
	endpoint := startFakeWorker(t)
	dir := &fakeDirectory{workers: []types.WorkerInfo{{ID: "w1", Endpoint: endpoint, Status: types.WorkerHealthy}}}
	state := newFakeState()
	c := newTestCoordinator(t, dir, state)

	plan := types.ExecutionPlan{
		Stages: []types.Stage{
			{StageId: 1, Type: types.StageScan},
			{StageId: 2, Type: types.StageFinal, DependsOn: []types.StageId{1}},
		},
	}
	queryId, err := c.Submit(context.Background(), plan)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return state.statusOf(queryId) == types.QueryCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSubmitRejectsWhenAdmissionQueueFull(t *testing.T) {
	endpoint := startFakeWorker(t)
	dir := &fakeDirectory{workers: []types.WorkerInfo{{ID: "w1", Endpoint: endpoint, Status: types.WorkerHealthy}}}
	state := newFakeState()
	cfg := DefaultConfig()
	cfg.MaxConcurrentQueries = 1
	transport := exchange.New(exchange.DefaultRetryPolicy())
	t.Cleanup(func() { _ = transport.Close() })
	c := New(cfg, dir, state, transport, NewProgressBroker())

	plan := types.ExecutionPlan{Stages: []types.Stage{{StageId: 1, Type: types.StageFinal}}}
	_, err := c.Submit(context.Background(), plan)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), plan)
	assert.Error(t, err)
}

func TestSubmitFailsQueryAfterStageExhaustsRetries(t *testing.T) {
	endpoint := startAlwaysFailWorker(t)
	dir := &fakeDirectory{workers: []types.WorkerInfo{{ID: "w1", Endpoint: endpoint, Status: types.WorkerHealthy}}}
	state := newFakeState()
	cfg := DefaultConfig()
	cfg.StageMaxAttempts = 2
	transport := exchange.New(exchange.DefaultRetryPolicy())
	t.Cleanup(func() { _ = transport.Close() })
	c := New(cfg, dir, state, transport, NewProgressBroker())

	plan := types.ExecutionPlan{Stages: []types.Stage{{StageId: 1, Type: types.StageFinal}}}
	queryId, err := c.Submit(context.Background(), plan)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := state.statusOf(queryId)
		return status == types.QueryFailed
	}, 3*time.Second, 20*time.Millisecond, "query should transition to FAILED once the stage exhausts its retry budget")

	// It should also stay FAILED rather than flip back to RUNNING from a
	// stray redispatch, so give the drive loop a few more ticks to settle.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, types.QueryFailed, state.statusOf(queryId))
}

func TestCancelUnknownQueryFails(t *testing.T) {
	dir := &fakeDirectory{}
	state := newFakeState()
	c := newTestCoordinator(t, dir, state)
	err := c.Cancel(context.Background(), "missing", "test")
	assert.Error(t, err)
}

func TestProgressBrokerFanOut(t *testing.T) {
	b := NewProgressBroker()
	ch := b.Subscribe("q1")
	b.Publish(types.ProgressUpdate{QueryId: "q1", StageId: 1, Status: types.AssignmentRunning})
	select {
	case u := <-ch:
		assert.Equal(t, types.StageId(1), u.StageId)
	case <-time.After(time.Second):
		t.Fatal("expected update")
	}
	b.Unsubscribe("q1", ch)
}
