package coordinatorstate

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/types"
)

var leaderCacheBucket = []byte("leader_cache")

// Config describes how to wire up one coordinator replica's Raft group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster owns one coordinator replica's Raft instance and FSM, grounded on
// warren's Manager.Bootstrap/Manager.Join wiring almost one-to-one.
type Cluster struct {
	cfg  Config
	fsm  *QueryFSM
	raft *raft.Raft

	// leaderCache is a small bbolt database, separate from the two
	// raft-boltdb-backed log/stable stores, that records the last known
	// leader address. It lets a freshly-started replica answer
	// "who was leader last" for client redirect purposes before the Raft
	// heartbeat/election cycle has told it anything, without replaying
	// the whole Raft log just for that.
	leaderCache *bolt.DB
}

// New builds an unstarted Cluster; call Bootstrap or Join next.
func New(cfg Config) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cachePath := filepath.Join(cfg.DataDir, "leader-cache.db")
	cache, err := bolt.Open(cachePath, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open leader cache: %w", err)
	}
	if err := cache.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leaderCacheBucket)
		return err
	}); err != nil {
		cache.Close()
		return nil, fmt.Errorf("init leader cache bucket: %w", err)
	}
	return &Cluster{cfg: cfg, fsm: NewQueryFSM(), leaderCache: cache}, nil
}

// FSM exposes the replicated state for read paths (registry lookups, status
// reads) that don't need to go through Raft.
func (c *Cluster) FSM() *QueryFSM { return c.fsm }

// LastKnownLeader returns the leader address cached from the most recent
// observation, or "" if none has been recorded yet.
func (c *Cluster) LastKnownLeader() string {
	var addr string
	_ = c.leaderCache.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(leaderCacheBucket)
		addr = string(b.Get([]byte("addr")))
		return nil
	})
	return addr
}

func (c *Cluster) rememberLeader(addr string) {
	_ = c.leaderCache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(leaderCacheBucket).Put([]byte("addr"), []byte(addr))
	})
}

func (c *Cluster) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.cfg.NodeID)
	// Faster failover than the WAN-tuned hashicorp/raft defaults
	// (HeartbeatTimeout=1s, ElectionTimeout=1s, LeaderLeaseTimeout=500ms);
	// coordinators live on the same LAN/cluster network as their workers.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (c *Cluster) buildRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create stable store: %w", err)
	}
	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("create raft: %w", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap starts a brand-new single-node Raft cluster with this replica as
// its only member.
func (c *Cluster) Bootstrap() error {
	r, localAddr, err := c.buildRaft()
	if err != nil {
		return err
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.cfg.NodeID), Address: localAddr}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	c.rememberLeader(string(localAddr))
	log.WithComponent("coordinatorstate").Info().Str("node_id", c.cfg.NodeID).Msg("bootstrapped raft cluster")
	return nil
}

// Join starts this replica's Raft instance so it can be added to an
// existing cluster via AddVoter on the current leader. It does not itself
// contact the leader: warren's Join dials the leader over its own client
// RPC, but here AddVoter is exposed as an operation the coordinator's RPC
// layer calls on whichever replica `raft.Leader()` currently names, which
// keeps this package free of a dependency on pkg/coordinator's RPC surface.
func (c *Cluster) Join() error {
	r, _, err := c.buildRaft()
	if err != nil {
		return err
	}
	c.raft = r
	log.WithComponent("coordinatorstate").Info().Str("node_id", c.cfg.NodeID).Msg("raft instance ready to join")
	return nil
}

// AddVoter adds a new replica to the cluster; only the current leader can
// do this successfully (raft.Raft rejects it otherwise).
func (c *Cluster) AddVoter(nodeID, addr string) error {
	if c.raft.State() != raft.Leader {
		return fmt.Errorf("not leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this replica currently holds Raft leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// Apply submits a command to the Raft log; it blocks until the command is
// committed (or times out) and returns whatever QueryFSM.Apply returned.
func (c *Cluster) Apply(cmd Command, timeout time.Duration) (interface{}, error) {
	if !c.IsLeader() {
		leader, _ := c.raft.LeaderWithID()
		if leader != "" {
			c.rememberLeader(string(leader))
		}
		return nil, fmt.Errorf("not leader, current leader: %s", leader)
	}
	data, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply: %w", err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

const applyTimeout = 5 * time.Second

// SubmitQuery replicates a newly admitted query's initial state.
func (c *Cluster) SubmitQuery(q types.QueryState) error {
	return c.applyOp(OpSubmitQuery, q)
}

// UpdateQuery replicates a query state transition.
func (c *Cluster) UpdateQuery(q types.QueryState) error {
	return c.applyOp(OpUpdateQuery, q)
}

// RecordAssignment replicates a stage-to-worker assignment.
func (c *Cluster) RecordAssignment(queryId types.QueryId, stageId types.StageId, workerId types.WorkerId) error {
	return c.applyOp(OpRecordAssignment, recordAssignment{QueryId: queryId, StageId: stageId, WorkerId: workerId})
}

// RecordOutput replicates a FINAL-stage output reference.
func (c *Cluster) RecordOutput(queryId types.QueryId, stageId types.StageId, out types.ResultRef) error {
	return c.applyOp(OpRecordOutput, recordOutput{QueryId: queryId, StageId: stageId, Output: out})
}

// QueryStatus returns the replicated state of a single query, read directly
// from the FSM rather than through Raft (any replica can answer this, not
// only the leader).
func (c *Cluster) QueryStatus(queryId types.QueryId) (types.QueryState, error) {
	st := c.fsm.View()
	q, ok := st.Queries[queryId]
	if !ok {
		return types.QueryState{}, fmt.Errorf("query not found: %s", queryId)
	}
	return *q, nil
}

// RegisterWorker replicates a worker joining the registry.
func (c *Cluster) RegisterWorker(w types.WorkerInfo) error {
	return c.applyOp(OpRegisterWorker, w)
}

// DeregisterWorker replicates a worker leaving the registry.
func (c *Cluster) DeregisterWorker(id types.WorkerId) error {
	return c.applyOp(OpDeregisterWorker, id)
}

func (c *Cluster) applyOp(op string, payload any) error {
	cmd, err := newCommand(op, payload)
	if err != nil {
		return err
	}
	_, err = c.Apply(cmd, applyTimeout)
	return err
}

// Shutdown stops the Raft instance and closes the leader cache.
func (c *Cluster) Shutdown() error {
	var firstErr error
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			firstErr = err
		}
	}
	if err := c.leaderCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
