package coordinator

import (
	"context"
	"time"

	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// drive runs one query's DAG-ordered dispatch loop to completion, failure,
// or cancellation. It owns run's assignment bookkeeping for the query's
// lifetime.
func (c *Coordinator) drive(ctx context.Context, queryId types.QueryId, run *queryRun) {
	defer c.release(queryId)
	defer close(run.finishedCh)
	// Cancel propagates to every worker's still-open StreamProgress RPC for
	// this query (streamProgress dials with ctx), so completion/failure
	// closes those streams the same way an explicit Cancel() does.
	defer run.cancel()

	_ = c.state.UpdateQuery(types.QueryState{QueryId: queryId, Status: types.QueryRunning, StartedAt: time.Now()})

	streamed := make(map[types.WorkerEndpoint]bool)

	dispatchReady := func() {
		run.mu.Lock()
		var toDispatch []types.Stage
		for _, st := range run.plan.Stages {
			if run.dispatched[st.StageId] {
				continue
			}
			if c.depsSatisfied(run, st) {
				run.dispatched[st.StageId] = true
				toDispatch = append(toDispatch, st)
			}
		}
		run.mu.Unlock()

		for _, st := range toDispatch {
			worker, ok := c.dispatchStage(ctx, queryId, run, st)
			if !ok {
				select {
				case run.failed <- struct{}{}:
				default:
				}
				continue
			}
			if !streamed[worker.Endpoint] {
				streamed[worker.Endpoint] = true
				go c.streamProgress(ctx, queryId, run, worker)
			}
		}
	}

	dispatchReady()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.state.UpdateQuery(types.QueryState{QueryId: queryId, Status: types.QueryCancelled, CompletedAt: time.Now()})
			return
		case <-run.failed:
			_ = c.state.UpdateQuery(types.QueryState{QueryId: queryId, Status: types.QueryFailed, CompletedAt: time.Now(), ErrorMsg: "a stage exhausted its retry budget"})
			return
		case <-ticker.C:
			dispatchReady()
			if c.queryComplete(run) {
				_ = c.state.UpdateQuery(types.QueryState{QueryId: queryId, Status: types.QueryCompleted, CompletedAt: time.Now(), Progress: 1})
				return
			}
		}
	}
}

func (c *Coordinator) depsSatisfied(run *queryRun, st types.Stage) bool {
	for _, dep := range st.DependsOn {
		if !run.done[dep] {
			return false
		}
	}
	return true
}

func (c *Coordinator) queryComplete(run *queryRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, st := range run.plan.Stages {
		if !run.done[st.StageId] {
			return false
		}
	}
	return true
}

// dispatchStage picks a worker and sends ExecuteStage; it returns ok=false
// if no healthy worker is available or the RPC itself fails after
// exhausting attempts, which the caller treats as a query-level failure.
func (c *Coordinator) dispatchStage(ctx context.Context, queryId types.QueryId, run *queryRun, st types.Stage) (types.WorkerInfo, bool) {
	run.mu.Lock()
	attempt := run.attempts[st.StageId]
	run.mu.Unlock()

	candidates := c.registry.PickLeastLoaded(attempt + 1)
	if len(candidates) == 0 {
		log.WithComponent("coordinator").Warn().Str("query_id", string(queryId)).Int("stage_id", int(st.StageId)).Msg("no healthy workers available")
		return types.WorkerInfo{}, false
	}
	worker := candidates[len(candidates)-1]

	cli, err := c.execClientFor(worker.Endpoint)
	if err != nil {
		return types.WorkerInfo{}, false
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()
	_, err = cli.ExecuteStage(dispatchCtx, &rpc.ExecuteStageRequest{QueryId: queryId, Stage: st})
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("query_id", string(queryId)).Int("stage_id", int(st.StageId)).Msg("dispatch failed")
		run.mu.Lock()
		run.attempts[st.StageId]++
		exhausted := run.attempts[st.StageId] >= c.cfg.StageMaxAttempts
		// Exhausted dispatches leave dispatched[st.StageId] at its current
		// true: the stage is terminally failed, not eligible for
		// dispatchReady to pick up again on the next tick.
		if !exhausted {
			run.dispatched[st.StageId] = false
		}
		run.mu.Unlock()
		if exhausted {
			return types.WorkerInfo{}, false
		}
		return c.dispatchStage(ctx, queryId, run, st)
	}

	run.mu.Lock()
	run.assignedTo[st.StageId] = worker
	run.mu.Unlock()
	_ = c.state.RecordAssignment(queryId, st.StageId, worker.ID)
	return worker, true
}

// streamProgress consumes one worker's StreamProgress RPC for a query,
// forwarding updates to the broker and marking stages done/failed as their
// terminal status arrives.
func (c *Coordinator) streamProgress(ctx context.Context, queryId types.QueryId, run *queryRun, worker types.WorkerInfo) {
	cli, err := c.execClientFor(worker.Endpoint)
	if err != nil {
		return
	}
	stream, err := cli.StreamProgress(ctx, &rpc.StreamProgressRequest{QueryId: queryId})
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("worker_id", string(worker.ID)).Msg("stream progress failed to open")
		return
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			return
		}
		update := types.ProgressUpdate{
			QueryId:        queryId,
			StageId:        types.StageId(msg.StageId),
			Status:         types.AssignmentStatus(msg.Status),
			Percent:        msg.Percent,
			RowsProcessed:  msg.RowsProcessed,
			BytesProcessed: msg.BytesProcessed,
			ElapsedMs:      msg.ElapsedMs,
		}
		c.broker.Publish(update)

		switch update.Status {
		case types.AssignmentSucceeded:
			run.mu.Lock()
			run.done[update.StageId] = true
			isFinal := false
			for _, st := range run.plan.Stages {
				if st.StageId == update.StageId && st.Type == types.StageFinal {
					isFinal = true
					break
				}
			}
			run.mu.Unlock()
			if isFinal {
				go c.recordFinalOutputs(ctx, queryId, update.StageId, worker)
			}
		case types.AssignmentFailed:
			run.mu.Lock()
			run.attempts[update.StageId]++
			exhausted := run.attempts[update.StageId] >= c.cfg.StageMaxAttempts
			// Only clear dispatched on a retryable failure, so
			// dispatchReady can pick the stage up again; an exhausted
			// stage stays marked dispatched, a terminal failure rather
			// than an invitation to redispatch.
			if !exhausted {
				run.dispatched[update.StageId] = false
			}
			run.mu.Unlock()
			if exhausted {
				select {
				case run.failed <- struct{}{}:
				default:
				}
				continue
			}
			var st types.Stage
			for _, s := range run.plan.Stages {
				if s.StageId == update.StageId {
					st = s
					break
				}
			}
			c.dispatchStage(ctx, queryId, run, st)
		}
	}
}

// recordFinalOutputs replicates the FINAL stage's partition inventory into
// the Raft-backed state via RecordOutput. Results() does not read these
// records; it resolves output only from the in-memory queryRun.
func (c *Coordinator) recordFinalOutputs(ctx context.Context, queryId types.QueryId, stageId types.StageId, worker types.WorkerInfo) {
	partitions, err := c.transport.ListAvailable(ctx, worker.Endpoint, queryId, stageId)
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("query_id", string(queryId)).Msg("list final partitions failed")
		return
	}
	for _, p := range partitions {
		_ = c.state.RecordOutput(queryId, stageId, types.ResultRef{PartitionId: p.PartitionId, RowCount: p.RowCount})
	}
}
