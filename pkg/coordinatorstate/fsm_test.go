package coordinatorstate

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardql/pkg/types"
)

func applyCmd(t *testing.T, fsm *QueryFSM, op string, payload any) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmdBytes, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmdBytes})
}

func TestRegisterAndDeregisterWorker(t *testing.T) {
	fsm := NewQueryFSM()
	res := applyCmd(t, fsm, OpRegisterWorker, types.WorkerInfo{ID: "w1", Status: types.WorkerHealthy})
	assert.Nil(t, res)

	view := fsm.View()
	require.Contains(t, view.Workers, types.WorkerId("w1"))
	assert.Equal(t, types.WorkerHealthy, view.Workers["w1"].Status)

	res = applyCmd(t, fsm, OpDeregisterWorker, types.WorkerId("w1"))
	assert.Nil(t, res)
	view = fsm.View()
	assert.NotContains(t, view.Workers, types.WorkerId("w1"))
}

func TestSubmitAndUpdateQuery(t *testing.T) {
	fsm := NewQueryFSM()
	q := types.QueryState{QueryId: "q1", Status: types.QuerySubmitted}
	res := applyCmd(t, fsm, OpSubmitQuery, q)
	assert.Nil(t, res)

	q.Status = types.QueryRunning
	res = applyCmd(t, fsm, OpUpdateQuery, q)
	assert.Nil(t, res)

	view := fsm.View()
	assert.Equal(t, types.QueryRunning, view.Queries["q1"].Status)
}

func TestRecordAssignmentAndOutputRequireKnownQuery(t *testing.T) {
	fsm := NewQueryFSM()
	res := applyCmd(t, fsm, OpRecordAssignment, recordAssignment{QueryId: "missing", StageId: 1, WorkerId: "w1"})
	err, ok := res.(error)
	require.True(t, ok)
	assert.Error(t, err)

	applyCmd(t, fsm, OpSubmitQuery, types.QueryState{QueryId: "q1", Status: types.QuerySubmitted})
	res = applyCmd(t, fsm, OpRecordAssignment, recordAssignment{QueryId: "q1", StageId: 1, WorkerId: "w1"})
	assert.Nil(t, res)

	view := fsm.View()
	assert.Equal(t, []types.WorkerId{"w1"}, view.Queries["q1"].Assignments[1])

	res = applyCmd(t, fsm, OpRecordOutput, recordOutput{QueryId: "q1", StageId: 1, Output: types.ResultRef{PartitionId: 0, RowCount: 4}})
	assert.Nil(t, res)
	view = fsm.View()
	require.Len(t, view.Queries["q1"].Outputs[1], 1)
}

func TestApplyUnknownOp(t *testing.T) {
	fsm := NewQueryFSM()
	res := applyCmd(t, fsm, "bogus", struct{}{})
	err, ok := res.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fsm := NewQueryFSM()
	applyCmd(t, fsm, OpRegisterWorker, types.WorkerInfo{ID: "w1", Status: types.WorkerHealthy})
	applyCmd(t, fsm, OpSubmitQuery, types.QueryState{QueryId: "q1", Status: types.QueryRunning})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))

	restored := NewQueryFSM()
	require.NoError(t, restored.Restore(&fakeReadCloser{Reader: bytes.NewReader(buf.Bytes())}))

	view := restored.View()
	assert.Contains(t, view.Workers, types.WorkerId("w1"))
	assert.Contains(t, view.Queries, types.QueryId("q1"))
}

type fakeSink struct {
	*bytes.Buffer
}

func (f *fakeSink) ID() string   { return "snap-1" }
func (f *fakeSink) Cancel() error { return nil }
func (f *fakeSink) Close() error  { return nil }

type fakeReadCloser struct {
	*bytes.Reader
}

func (f *fakeReadCloser) Close() error { return nil }
