// Package coordinator implements the Query Coordinator (§4.7): admission,
// DAG-ordered stage dispatch, progress fan-out, retry, and result
// collection.
package coordinator

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/google/uuid"

	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// Config tunes admission and stage dispatch.
type Config struct {
	MaxConcurrentQueries int
	StageMaxAttempts     int
	MaxStageConcurrency  int
	DispatchTimeout      time.Duration
}

// DefaultConfig returns the defaults named in §4.7.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentQueries: 16,
		StageMaxAttempts:     2,
		MaxStageConcurrency:  8,
		DispatchTimeout:      30 * time.Second,
	}
}

// WorkerDirectory is the subset of pkg/registry.Registry the Coordinator
// consults for placement.
type WorkerDirectory interface {
	PickLeastLoaded(n int) []types.WorkerInfo
	Get(id types.WorkerId) (types.WorkerInfo, error)
}

// StateStore is the subset of pkg/coordinatorstate.Cluster the Coordinator
// mutates through, kept as an interface so tests don't need a live Raft
// group.
type StateStore interface {
	SubmitQuery(q types.QueryState) error
	UpdateQuery(q types.QueryState) error
	RecordAssignment(queryId types.QueryId, stageId types.StageId, workerId types.WorkerId) error
	RecordOutput(queryId types.QueryId, stageId types.StageId, out types.ResultRef) error
	QueryStatus(queryId types.QueryId) (types.QueryState, error)
}

// queryRun tracks one in-flight dispatch's live state; StateStore holds the
// durable record, this holds what the dispatch loop needs minute-to-minute.
type queryRun struct {
	plan       types.ExecutionPlan
	mu         sync.Mutex
	done       map[types.StageId]bool
	dispatched map[types.StageId]bool
	attempts   map[types.StageId]int
	assignedTo map[types.StageId]types.WorkerInfo
	cancel     context.CancelFunc
	finishedCh chan struct{}
	failed     chan struct{}
}

// Coordinator dispatches ExecutionPlans across the worker fleet.
type Coordinator struct {
	cfg       Config
	registry  WorkerDirectory
	state     StateStore
	transport *exchange.Transport
	broker    *ProgressBroker
	tlsConfig *tls.Config

	admission chan struct{}

	mu   sync.Mutex
	runs map[types.QueryId]*queryRun

	execMu  sync.Mutex
	execCli map[types.WorkerEndpoint]*rpc.ExecutionClient
}

// New builds a Coordinator. transport is shared with the process's data
// exchange client so RequestPartitions for final results reuses the same
// pooled connections sendPartition/shuffle use.
func New(cfg Config, registry WorkerDirectory, state StateStore, transport *exchange.Transport, broker *ProgressBroker) *Coordinator {
	if cfg.MaxConcurrentQueries <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		state:     state,
		transport: transport,
		broker:    broker,
		admission: make(chan struct{}, cfg.MaxConcurrentQueries),
		runs:      make(map[types.QueryId]*queryRun),
		execCli:   make(map[types.WorkerEndpoint]*rpc.ExecutionClient),
	}
}

func (c *Coordinator) execClientFor(endpoint types.WorkerEndpoint) (*rpc.ExecutionClient, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if cli, ok := c.execCli[endpoint]; ok {
		return cli, nil
	}
	cc, err := rpc.Dial(string(endpoint), c.tlsConfig)
	if err != nil {
		return nil, serrors.Wrap(serrors.Unavailable, "dial worker", err)
	}
	cli := rpc.NewExecutionClient(cc)
	c.execCli[endpoint] = cli
	return cli, nil
}

// Submit admits a new query and starts its asynchronous dispatch loop,
// returning immediately with the assigned QueryId.
func (c *Coordinator) Submit(ctx context.Context, plan types.ExecutionPlan) (types.QueryId, error) {
	select {
	case c.admission <- struct{}{}:
	default:
		return "", serrors.New(serrors.ResourceExhausted, "admission queue full")
	}

	queryId := plan.QueryId
	if queryId == "" {
		queryId = types.QueryId(uuid.NewString())
		plan.QueryId = queryId
	}

	qs := types.QueryState{
		QueryId:     queryId,
		Status:      types.QuerySubmitted,
		SubmittedAt: time.Now(),
		Assignments: map[types.StageId][]types.WorkerId{},
		Outputs:     map[types.StageId][]types.ResultRef{},
	}
	if err := c.state.SubmitQuery(qs); err != nil {
		<-c.admission
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &queryRun{
		plan:       plan,
		done:       make(map[types.StageId]bool),
		dispatched: make(map[types.StageId]bool),
		attempts:   make(map[types.StageId]int),
		assignedTo: make(map[types.StageId]types.WorkerInfo),
		cancel:     cancel,
		finishedCh: make(chan struct{}),
		failed:     make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.runs[queryId] = run
	c.mu.Unlock()

	log.WithComponent("coordinator").Info().Str("query_id", string(queryId)).Int("stages", len(plan.Stages)).Msg("query submitted")

	go c.drive(runCtx, queryId, run)
	return queryId, nil
}

// Cancel stops dispatch of a running query and asks every worker holding an
// assignment for it to cancel.
func (c *Coordinator) Cancel(ctx context.Context, queryId types.QueryId, reason string) error {
	c.mu.Lock()
	run, ok := c.runs[queryId]
	c.mu.Unlock()
	if !ok {
		return serrors.New(serrors.NotFound, "query not found").WithQuery(queryId)
	}
	run.cancel()

	run.mu.Lock()
	workers := make([]types.WorkerInfo, 0, len(run.assignedTo))
	for _, w := range run.assignedTo {
		workers = append(workers, w)
	}
	run.mu.Unlock()

	for _, w := range workers {
		cli, err := c.execClientFor(w.Endpoint)
		if err != nil {
			continue
		}
		_, _ = cli.CancelQuery(ctx, &rpc.CancelQueryRequest{QueryId: queryId, Reason: reason})
	}

	return c.state.UpdateQuery(types.QueryState{QueryId: queryId, Status: types.QueryCancelled, CompletedAt: time.Now()})
}

// Subscribe returns a channel of ProgressUpdate for one query, the
// implementation behind the progress-streaming client RPC.
func (c *Coordinator) Subscribe(queryId types.QueryId) chan types.ProgressUpdate {
	return c.broker.Subscribe(queryId)
}

// Unsubscribe releases a channel returned by Subscribe.
func (c *Coordinator) Unsubscribe(queryId types.QueryId, ch chan types.ProgressUpdate) {
	c.broker.Unsubscribe(queryId, ch)
}

// Results fetches the FINAL stage's output batches for a completed query by
// pulling them back from whichever worker(s) executed it.
func (c *Coordinator) Results(ctx context.Context, queryId types.QueryId) ([]types.RecordBatch, error) {
	c.mu.Lock()
	run, ok := c.runs[queryId]
	c.mu.Unlock()
	if !ok {
		return nil, serrors.New(serrors.NotFound, "query not found").WithQuery(queryId)
	}

	var finalStage *types.Stage
	for i := range run.plan.Stages {
		if run.plan.Stages[i].Type == types.StageFinal {
			finalStage = &run.plan.Stages[i]
			break
		}
	}
	if finalStage == nil {
		return nil, serrors.New(serrors.NotFound, "no FINAL stage in plan").WithQuery(queryId)
	}

	run.mu.Lock()
	worker, ok := run.assignedTo[finalStage.StageId]
	run.mu.Unlock()
	if !ok {
		return nil, serrors.New(serrors.Unavailable, "final stage not yet assigned").WithQuery(queryId)
	}

	partitions, err := c.transport.ListAvailable(ctx, worker.Endpoint, queryId, finalStage.StageId)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(partitions))
	for i, p := range partitions {
		ids[i] = p.PartitionId
	}
	return c.transport.RequestPartitions(ctx, worker.Endpoint, queryId, finalStage.StageId, ids)
}

// Status returns the replicated lifecycle state of a query for the §6
// GET status/{queryId} endpoint.
func (c *Coordinator) Status(queryId types.QueryId) (types.QueryState, error) {
	return c.state.QueryStatus(queryId)
}

func (c *Coordinator) release(queryId types.QueryId) {
	c.mu.Lock()
	delete(c.runs, queryId)
	c.mu.Unlock()
	<-c.admission
	c.broker.CloseQuery(queryId)
}
