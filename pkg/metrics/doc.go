/*
Package metrics provides Prometheus metrics collection and exposition for
shardql's coordinator and worker processes.

All metrics are registered at package init via prometheus.MustRegister and
exposed for scraping through Handler(), an http.Handler wrapping
promhttp.Handler().

# Metrics Catalog

Worker fleet:

shardql_workers_total{status}:
  - Gauge. Worker count by lifecycle status (STARTING, HEALTHY, UNHEALTHY,
    DRAINING, REMOVED), sampled by Collector off the Worker Registry.

Query lifecycle:

shardql_queries_total{state}:
  - Gauge. Query count by QueryStatus.
shardql_query_submit_duration_seconds:
  - Histogram. Time to plan and admit a submitted query.
shardql_query_duration_seconds{status}:
  - Histogram. End-to-end duration from submit to terminal state.

Stage dispatch:

shardql_stage_dispatch_latency_seconds{stage_type}:
  - Histogram. Time a worker spends running a stage, from start to its
    terminal status.
shardql_stage_attempts_total{stage_type,outcome}:
  - Counter. Dispatch attempts by stage type and outcome.

Chunk transfer:

shardql_chunk_transfer_bytes_total{direction}:
  - Counter. Bytes moved through chunkcodec, by "send"/"receive".
shardql_chunk_transfer_errors_total{kind}:
  - Counter. Transfer failures by error kind (checksum, gap, timeout).

Autoscaler:

shardql_autoscale_actions_total{action}:
  - Counter. Scale-up/scale-down/no-op decisions taken.
shardql_autoscale_eval_duration_seconds:
  - Histogram. Time to evaluate one autoscaler tick.

Raft (coordinator HA):

shardql_raft_is_leader:
  - Gauge. 1 if this replica holds Raft leadership, else 0.
shardql_raft_apply_duration_seconds:
  - Histogram. Time to apply a Raft log entry.

Control API:

shardql_api_requests_total{method,status}:
  - Counter. Control API requests by method and response status.
shardql_api_request_duration_seconds{method}:
  - Histogram. Control API request duration.

# Usage

	import "github.com/cuemby/shardql/pkg/metrics"

	metrics.WorkersTotal.WithLabelValues("HEALTHY").Set(5)
	metrics.StageAttemptsTotal.WithLabelValues("scan", "success").Inc()

	timer := metrics.NewTimer()
	// ... run stage ...
	timer.ObserveDurationVec(metrics.StageDispatchLatency, "scan")

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
