package metrics

import (
	"time"

	"github.com/cuemby/shardql/pkg/types"
)

// WorkerSource is the subset of pkg/registry.Registry the Collector polls.
type WorkerSource interface {
	List(statusFilter types.WorkerStatus) []types.WorkerInfo
}

// LeaderSource is the subset of pkg/coordinatorstate.Cluster the Collector
// polls for Raft leadership state.
type LeaderSource interface {
	IsLeader() bool
}

// Collector periodically samples registry and Raft state into the
// Prometheus gauges declared in metrics.go, generalized from warren's
// Collector (which polled Manager.ListNodes/GetRaftStats) to the Worker
// Registry and coordinatorstate.Cluster this codebase actually has.
type Collector struct {
	workers WorkerSource
	leader  LeaderSource
	stopCh  chan struct{}
}

// NewCollector builds a Collector. leader may be nil for a single-node
// deployment with no Raft group configured.
func NewCollector(workers WorkerSource, leader LeaderSource) *Collector {
	return &Collector{workers: workers, leader: leader, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s tick until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	all := c.workers.List("")
	counts := make(map[types.WorkerStatus]int)
	for _, w := range all {
		counts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerStarting, types.WorkerHealthy, types.WorkerUnhealthy,
		types.WorkerDraining, types.WorkerRemoved,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.leader == nil {
		return
	}
	if c.leader.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
