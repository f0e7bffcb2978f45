// Package coordinatorstate replicates the coordinator's worker-membership
// and query-lifecycle state across a Raft group so a new leader can take
// over query admission and dispatch without losing track of in-flight
// work, generalized from warren's cluster-state FSM (pkg/manager/fsm.go)
// from node/service/task commands to worker/query commands.
package coordinatorstate

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/shardql/pkg/types"
)

// Command is one state-change operation in the Raft log, the same
// op+payload envelope warren's Command uses.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpRegisterWorker   = "register_worker"
	OpDeregisterWorker = "deregister_worker"
	OpHeartbeatWorker  = "heartbeat_worker"
	OpSubmitQuery      = "submit_query"
	OpUpdateQuery      = "update_query"
	OpRecordAssignment = "record_assignment"
	OpRecordOutput     = "record_output"
)

func marshalCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func newCommand(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}

// recordAssignment is the Data payload for OpRecordAssignment.
type recordAssignment struct {
	QueryId  types.QueryId
	StageId  types.StageId
	WorkerId types.WorkerId
}

// recordOutput is the Data payload for OpRecordOutput.
type recordOutput struct {
	QueryId types.QueryId
	StageId types.StageId
	Output  types.ResultRef
}

// State is the FSM's in-memory view, replicated verbatim across every
// coordinator replica by Raft log application.
type State struct {
	Workers map[types.WorkerId]*types.WorkerInfo
	Queries map[types.QueryId]*types.QueryState
}

func newState() *State {
	return &State{
		Workers: make(map[types.WorkerId]*types.WorkerInfo),
		Queries: make(map[types.QueryId]*types.QueryState),
	}
}

// QueryFSM implements raft.FSM over State, the coordinator analogue of
// warren's WarrenFSM.
type QueryFSM struct {
	mu    sync.RWMutex
	state *State
}

// NewQueryFSM builds an empty FSM; Raft calls Restore on it if a snapshot
// exists, otherwise it replays the log from index 0.
func NewQueryFSM() *QueryFSM {
	return &QueryFSM{state: newState()}
}

// Snapshot of the current state for read-only queries (registry lookups,
// status reads) that must not block the FSM's single Apply goroutine for
// long.
func (f *QueryFSM) View() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := State{
		Workers: make(map[types.WorkerId]*types.WorkerInfo, len(f.state.Workers)),
		Queries: make(map[types.QueryId]*types.QueryState, len(f.state.Queries)),
	}
	for id, w := range f.state.Workers {
		cp := *w
		out.Workers[id] = &cp
	}
	for id, q := range f.state.Queries {
		cp := q.Clone()
		out.Queries[id] = &cp
	}
	return out
}

// Apply applies one committed Raft log entry, per raft.FSM.
func (f *QueryFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpRegisterWorker:
		var w types.WorkerInfo
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		f.state.Workers[w.ID] = &w
		return nil

	case OpDeregisterWorker:
		var id types.WorkerId
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		delete(f.state.Workers, id)
		return nil

	case OpHeartbeatWorker:
		var w types.WorkerInfo
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		f.state.Workers[w.ID] = &w
		return nil

	case OpSubmitQuery:
		var q types.QueryState
		if err := json.Unmarshal(cmd.Data, &q); err != nil {
			return err
		}
		f.state.Queries[q.QueryId] = &q
		return nil

	case OpUpdateQuery:
		var q types.QueryState
		if err := json.Unmarshal(cmd.Data, &q); err != nil {
			return err
		}
		f.state.Queries[q.QueryId] = &q
		return nil

	case OpRecordAssignment:
		var a recordAssignment
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		q, ok := f.state.Queries[a.QueryId]
		if !ok {
			return fmt.Errorf("record_assignment: unknown query %s", a.QueryId)
		}
		if q.Assignments == nil {
			q.Assignments = make(map[types.StageId][]types.WorkerId)
		}
		q.Assignments[a.StageId] = append(q.Assignments[a.StageId], a.WorkerId)
		return nil

	case OpRecordOutput:
		var o recordOutput
		if err := json.Unmarshal(cmd.Data, &o); err != nil {
			return err
		}
		q, ok := f.state.Queries[o.QueryId]
		if !ok {
			return fmt.Errorf("record_output: unknown query %s", o.QueryId)
		}
		if q.Outputs == nil {
			q.Outputs = make(map[types.StageId][]types.ResultRef)
		}
		q.Outputs[o.StageId] = append(q.Outputs[o.StageId], o.Output)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the current state for Raft's log-compaction snapshot,
// per raft.FSM.
func (f *QueryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := &querySnapshot{state: f.View()}
	return snap, nil
}

// Restore replaces the FSM's state from a snapshot, per raft.FSM.
func (f *QueryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state State
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Workers == nil {
		state.Workers = make(map[types.WorkerId]*types.WorkerInfo)
	}
	if state.Queries == nil {
		state.Queries = make(map[types.QueryId]*types.QueryState)
	}
	f.mu.Lock()
	f.state = &state
	f.mu.Unlock()
	return nil
}

type querySnapshot struct {
	state State
}

func (s *querySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *querySnapshot) Release() {}
