package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/client"
	"github.com/cuemby/shardql/pkg/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect the worker fleet",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkersList,
}

var workersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet-wide worker counts",
	RunE:  runWorkersStats,
}

func init() {
	workersCmd.PersistentFlags().String("coordinator", "127.0.0.1:8080", "Coordinator control API address")
	workersListCmd.Flags().String("status", "", "Filter by worker status (STARTING, HEALTHY, UNHEALTHY, DRAINING, REMOVED)")

	workersCmd.AddCommand(workersListCmd, workersStatsCmd)
}

func workersClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("coordinator")
	return client.NewClient(addr)
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	workers, err := workersClient(cmd).Workers(cmd.Context(), types.WorkerStatus(status))
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	return printJSON(workers)
}

func runWorkersStats(cmd *cobra.Command, args []string) error {
	stats, err := workersClient(cmd).ClusterStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch cluster stats: %w", err)
	}
	return printJSON(stats)
}
