package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/client"
	"github.com/cuemby/shardql/pkg/types"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Submit and inspect queries against the coordinator",
}

var querySubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an execution plan for scheduling",
	RunE:  runQuerySubmit,
}

var queryStatusCmd = &cobra.Command{
	Use:   "status <query-id>",
	Short: "Fetch a query's lifecycle status",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryStatus,
}

var queryResultsCmd = &cobra.Command{
	Use:   "results <query-id>",
	Short: "Fetch a completed query's result batches",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryResults,
}

var queryCancelCmd = &cobra.Command{
	Use:   "cancel <query-id>",
	Short: "Cancel an in-flight query",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryCancel,
}

func init() {
	queryCmd.PersistentFlags().String("coordinator", "127.0.0.1:8080", "Coordinator control API address")

	querySubmitCmd.Flags().String("plan", "-", "Path to a JSON ExecutionPlan file (\"-\" reads stdin)")
	querySubmitCmd.Flags().String("sql", "", "Original SQL text to record alongside the plan, if any")
	querySubmitCmd.Flags().String("session", "", "Session ID to associate with this query")

	queryCancelCmd.Flags().String("reason", "requested by operator", "Reason recorded for the cancellation")

	queryCmd.AddCommand(querySubmitCmd, queryStatusCmd, queryResultsCmd, queryCancelCmd)
}

func queryClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("coordinator")
	return client.NewClient(addr)
}

func runQuerySubmit(cmd *cobra.Command, args []string) error {
	planPath, _ := cmd.Flags().GetString("plan")
	sql, _ := cmd.Flags().GetString("sql")
	session, _ := cmd.Flags().GetString("session")

	var raw []byte
	var err error
	if planPath == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(planPath)
	}
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}

	var plan types.ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("parse plan as JSON ExecutionPlan: %w", err)
	}

	result, err := queryClient(cmd).Submit(cmd.Context(), client.SubmitRequest{
		SQL:       sql,
		SessionId: session,
		Plan:      plan,
	})
	if err != nil {
		return fmt.Errorf("submit query: %w", err)
	}

	return printJSON(result)
}

func runQueryStatus(cmd *cobra.Command, args []string) error {
	status, err := queryClient(cmd).Status(cmd.Context(), types.QueryId(args[0]))
	if err != nil {
		return fmt.Errorf("fetch query status: %w", err)
	}
	return printJSON(status)
}

func runQueryResults(cmd *cobra.Command, args []string) error {
	batches, err := queryClient(cmd).Results(cmd.Context(), types.QueryId(args[0]))
	if err != nil {
		return fmt.Errorf("fetch query results: %w", err)
	}
	return printJSON(batches)
}

func runQueryCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	cancelled, err := queryClient(cmd).Cancel(cmd.Context(), types.QueryId(args[0]), reason)
	if err != nil {
		return fmt.Errorf("cancel query: %w", err)
	}
	return printJSON(map[string]bool{"cancelled": cancelled})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
