package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/shardql/pkg/types"
)

type fakeWorkerSource struct{ workers []types.WorkerInfo }

func (f fakeWorkerSource) List(statusFilter types.WorkerStatus) []types.WorkerInfo {
	if statusFilter == "" {
		return f.workers
	}
	var out []types.WorkerInfo
	for _, w := range f.workers {
		if w.Status == statusFilter {
			out = append(out, w)
		}
	}
	return out
}

type fakeLeaderSource struct{ leader bool }

func (f fakeLeaderSource) IsLeader() bool { return f.leader }

func TestCollectorUpdatesWorkerGauges(t *testing.T) {
	ws := fakeWorkerSource{workers: []types.WorkerInfo{
		{ID: "w1", Status: types.WorkerHealthy},
		{ID: "w2", Status: types.WorkerHealthy},
		{ID: "w3", Status: types.WorkerDraining},
	}}
	c := NewCollector(ws, fakeLeaderSource{leader: true})
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(WorkersTotal.WithLabelValues(string(types.WorkerHealthy))))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkersTotal.WithLabelValues(string(types.WorkerDraining))))
	assert.Equal(t, float64(1), testutil.ToFloat64(RaftLeader))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(fakeWorkerSource{}, nil)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
