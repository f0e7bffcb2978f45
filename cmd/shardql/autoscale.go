package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/client"
)

var autoscaleCmd = &cobra.Command{
	Use:   "autoscale",
	Short: "Inspect and override the fleet autoscaler",
}

var autoscaleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the autoscaler's current view of the fleet",
	RunE:  runAutoscaleStatus,
}

var autoscaleTargetCmd = &cobra.Command{
	Use:   "target <n>",
	Short: "Pin the fleet to exactly n workers",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutoscaleTarget,
}

func init() {
	autoscaleCmd.PersistentFlags().String("coordinator", "127.0.0.1:8080", "Coordinator control API address")
	autoscaleTargetCmd.Flags().String("reason", "requested by operator", "Reason recorded for the override")

	autoscaleCmd.AddCommand(autoscaleStatusCmd, autoscaleTargetCmd)
}

func autoscaleClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("coordinator")
	return client.NewClient(addr)
}

func runAutoscaleStatus(cmd *cobra.Command, args []string) error {
	status, err := autoscaleClient(cmd).AutoscaleStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch autoscale status: %w", err)
	}
	return printJSON(status)
}

func runAutoscaleTarget(cmd *cobra.Command, args []string) error {
	var n int
	if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
		return fmt.Errorf("parse target worker count %q: %w", args[0], err)
	}
	reason, _ := cmd.Flags().GetString("reason")

	result, err := autoscaleClient(cmd).SetAutoscaleTarget(cmd.Context(), n, reason)
	if err != nil {
		return fmt.Errorf("set autoscale target: %w", err)
	}
	return printJSON(result)
}
