package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/api"
	"github.com/cuemby/shardql/pkg/autoscaler"
	"github.com/cuemby/shardql/pkg/coordinator"
	"github.com/cuemby/shardql/pkg/coordinatorstate"
	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/metrics"
	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the query coordinator (control plane)",
	RunE:  runCoordinator,
}

func init() {
	coordinatorCmd.Flags().String("api-addr", "127.0.0.1:8080", "Control API (HTTP) listen address")
	coordinatorCmd.Flags().String("rpc-addr", "127.0.0.1:8081", "Worker management (gRPC) listen address")
	coordinatorCmd.Flags().String("node-id", "coordinator-1", "Raft node ID, when --raft is set")
	coordinatorCmd.Flags().String("raft-data-dir", "./shardql-data", "Raft log/state directory, when --raft is set")
	coordinatorCmd.Flags().Bool("raft", false, "Run this replica as part of a Raft-replicated coordinator group")
	coordinatorCmd.Flags().Bool("bootstrap", false, "Bootstrap a new Raft group (first replica only)")
	coordinatorCmd.Flags().StringSlice("join", nil, "Existing Raft group member addresses to join")
}

// singleNodeState is the StateStore used when --raft is not set: an
// in-memory QueryFSM-shaped map with no replication, for local trials and
// tests of the control/worker plane without standing up a Raft group.
type singleNodeState struct {
	queries map[types.QueryId]types.QueryState
}

func newSingleNodeState() *singleNodeState {
	return &singleNodeState{queries: make(map[types.QueryId]types.QueryState)}
}

func (s *singleNodeState) SubmitQuery(q types.QueryState) error {
	s.queries[q.QueryId] = q
	return nil
}

func (s *singleNodeState) UpdateQuery(q types.QueryState) error {
	existing := s.queries[q.QueryId]
	existing.Status = q.Status
	if !q.CompletedAt.IsZero() {
		existing.CompletedAt = q.CompletedAt
	}
	if !q.StartedAt.IsZero() {
		existing.StartedAt = q.StartedAt
	}
	s.queries[q.QueryId] = existing
	return nil
}

func (s *singleNodeState) RecordAssignment(types.QueryId, types.StageId, types.WorkerId) error { return nil }
func (s *singleNodeState) RecordOutput(types.QueryId, types.StageId, types.ResultRef) error     { return nil }

func (s *singleNodeState) QueryStatus(q types.QueryId) (types.QueryState, error) {
	st, ok := s.queries[q]
	if !ok {
		return types.QueryState{}, fmt.Errorf("query %s not found", q)
	}
	return st, nil
}

func (s *singleNodeState) IsLeader() bool          { return true }
func (s *singleNodeState) LastKnownLeader() string { return "" }

// registryMetricsSource adapts the Worker Registry into the Autoscaler's
// MetricsSource, averaging per-worker utilization the way the control
// plane needs for its scale decisions (§4.6).
type registryMetricsSource struct {
	reg *registry.Registry
}

func (m registryMetricsSource) ClusterMetrics() types.ClusterMetrics {
	healthy := m.reg.Healthy()
	all := m.reg.List("")

	var cpuSum, memSum float64
	var activeQueries int
	for _, w := range healthy {
		cpuSum += w.Resources.CPUUtil
		memSum += w.Resources.MemUtil
		activeQueries += w.Resources.ActiveQueries
	}
	n := len(healthy)
	cm := types.ClusterMetrics{
		TotalWorkers:       len(all),
		HealthyWorkers:     n,
		TotalActiveQueries: activeQueries,
	}
	if n > 0 {
		cm.AvgCPUUtil = cpuSum / float64(n)
		cm.AvgMemUtil = memSum / float64(n)
		cm.AvgQueriesPerWorker = float64(activeQueries) / float64(n)
	}
	return cm
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiAddr, _ := cmd.Flags().GetString("api-addr")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	useRaft, _ := cmd.Flags().GetBool("raft")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	reg := registry.New(registry.Config{
		SweepInterval:  cfg.Registry.SweepInterval,
		UnhealthyAfter: cfg.Registry.UnhealthyAfter,
		RemoveAfter:    cfg.Registry.RemoveAfter,
	})
	reg.Start()

	var state coordinator.StateStore
	var leader api.LeaderChecker
	var raftCluster *coordinatorstate.Cluster
	if useRaft {
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("raft-data-dir")
		bindAddr, _ := cmd.Flags().GetString("rpc-addr")

		raftCluster, err = coordinatorstate.New(coordinatorstate.Config{
			NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir,
		})
		if err != nil {
			return fmt.Errorf("build raft cluster: %w", err)
		}
		if bootstrap {
			if err := raftCluster.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap raft group: %w", err)
			}
		} else {
			// Join starts this replica's Raft instance; the current leader
			// must separately call AddVoter to accept it into the group
			// (coordinatorstate.Cluster.AddVoter only succeeds on the
			// leader), which --join addresses are for an operator to drive
			// out of band until an admin RPC for it exists.
			if err := raftCluster.Join(); err != nil {
				return fmt.Errorf("join raft group: %w", err)
			}
		}
		state = raftCluster
		leader = raftCluster
	} else {
		s := newSingleNodeState()
		state = s
		leader = s
	}

	transport := exchange.New(exchange.RetryPolicy{
		Attempts:   cfg.Transport.RetryAttempts,
		Initial:    cfg.Transport.RetryInitial,
		Multiplier: cfg.Transport.RetryMultiplier,
		Jitter:     cfg.Transport.RetryJitter,
	})
	defer transport.Close()

	coordCfg := coordinator.Config{
		MaxConcurrentQueries: cfg.Coordinator.MaxConcurrentQueries,
		StageMaxAttempts:     cfg.Coordinator.StageMaxAttempts,
		DispatchTimeout:      cfg.Coordinator.ExecuteStageTimeout,
	}
	broker := coordinator.NewProgressBroker()
	coord := coordinator.New(coordCfg, reg, state, transport, broker)

	launch, launchSpec, becameHealthy, removeWorker, cleanupLauncher, err := buildLauncher(cmd, reg)
	if err != nil {
		return fmt.Errorf("build launcher: %w", err)
	}
	defer cleanupLauncher()

	as := autoscaler.New(
		autoscaler.Config{
			EvalInterval:         cfg.Autoscale.EvalInterval,
			ScaleUpThresh:        cfg.Autoscale.ScaleUpThresh,
			ScaleDownThresh:      cfg.Autoscale.ScaleDownThresh,
			Cooldown:             cfg.Autoscale.Cooldown,
			MinWorkers:           cfg.Autoscale.MinWorkers,
			MaxWorkers:           cfg.Autoscale.MaxWorkers,
			WorkerStartupTimeout: cfg.Autoscale.WorkerStartupTimeout,
		},
		registryMetricsSource{reg: reg},
		launch,
		launchSpec,
		becameHealthy,
		removeWorker,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	as.Start(ctx)

	collector := metrics.NewCollector(reg, leader)
	collector.Start()

	rpcServer := rpc.NewServer(nil)
	rpcServer.RegisterService(&rpc.WorkerManagementServiceDesc, registry.NewGRPCServer(reg))
	rpcLis, err := listen(rpcAddr)
	if err != nil {
		return fmt.Errorf("listen on rpc-addr: %w", err)
	}
	go func() {
		if err := rpcServer.Serve(rpcLis); err != nil {
			log.WithComponent("coordinator").Error().Err(err).Msg("worker management rpc server exited")
		}
	}()

	apiServer := api.NewServer(coord, reg, as, leader)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("control API error: %w", err)
		}
	}()

	log.WithComponent("coordinator").Info().Str("api_addr", apiAddr).Str("rpc_addr", rpcAddr).Msg("coordinator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	as.Stop()
	collector.Stop()
	reg.Stop()
	rpcServer.GracefulStop()
	if raftCluster != nil {
		_ = raftCluster.Shutdown()
	}

	fmt.Println("Shutdown complete")
	return nil
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
