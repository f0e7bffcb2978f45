package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/types"
	"github.com/cuemby/shardql/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a query execution worker",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("listen-addr", "127.0.0.1:0", "Address this worker's gRPC server binds to")
	workerCmd.Flags().String("advertise-addr", "", "Address peers and the coordinator dial (defaults to listen-addr)")
	workerCmd.Flags().String("coordinator-addr", "127.0.0.1:8081", "Coordinator worker-management (gRPC) address")
	workerCmd.Flags().String("worker-id", "", "Preferred worker ID (coordinator may assign a different one)")
	workerCmd.Flags().Duration("heartbeat-interval", 5*time.Second, "Interval between heartbeats to the coordinator")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	advertiseAddr, _ := cmd.Flags().GetString("advertise-addr")
	coordinatorAddr, _ := cmd.Flags().GetString("coordinator-addr")
	workerID, _ := cmd.Flags().GetString("worker-id")
	heartbeatEvery, _ := cmd.Flags().GetDuration("heartbeat-interval")

	node, err := worker.New(worker.Config{
		PreferredId:     types.WorkerId(workerID),
		ListenAddr:      listenAddr,
		AdvertiseAddr:   advertiseAddr,
		CoordinatorAddr: coordinatorAddr,
		MaxChunkBytes:   cfg.Chunk.MaxChunkBytes,
		HeartbeatEvery:  heartbeatEvery,
		DrainTimeout:    cfg.Coordinator.DrainTimeout,
	})
	if err != nil {
		return fmt.Errorf("build worker node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start worker node: %w", err)
	}

	log.WithComponent("worker").Info().Str("listen_addr", listenAddr).Str("coordinator_addr", coordinatorAddr).Msg("worker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nDraining...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Coordinator.DrainTimeout+5*time.Second)
	defer drainCancel()
	node.Drain(drainCtx)

	if err := node.Stop(); err != nil {
		return fmt.Errorf("stop worker node: %w", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}
