package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardql_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	// Query coordinator metrics
	QueriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardql_queries_total",
			Help: "Total number of queries by state",
		},
		[]string{"state"},
	)

	QuerySubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardql_query_submit_duration_seconds",
			Help:    "Time taken to plan and admit a submitted query",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueryEndToEndDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardql_query_duration_seconds",
			Help:    "Query duration in seconds from submit to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	// Stage dispatch metrics
	StageDispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardql_stage_dispatch_latency_seconds",
			Help:    "Time a worker spends running a stage, from start to its terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage_type"},
	)

	StageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardql_stage_attempts_total",
			Help: "Total stage dispatch attempts by stage type and outcome",
		},
		[]string{"stage_type", "outcome"},
	)

	// Chunk transfer metrics
	ChunkTransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardql_chunk_transfer_bytes_total",
			Help: "Total bytes transferred in chunks by direction",
		},
		[]string{"direction"},
	)

	ChunkTransferErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardql_chunk_transfer_errors_total",
			Help: "Total chunk transfer errors by kind",
		},
		[]string{"kind"},
	)

	// Autoscaler metrics
	AutoscaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardql_autoscale_actions_total",
			Help: "Total autoscale actions taken by kind",
		},
		[]string{"action"},
	)

	AutoscaleEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardql_autoscale_eval_duration_seconds",
			Help:    "Time taken to evaluate one autoscaler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft metrics (coordinator HA)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardql_raft_is_leader",
			Help: "Whether this coordinator replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardql_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardql_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardql_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QuerySubmitDuration)
	prometheus.MustRegister(QueryEndToEndDuration)
	prometheus.MustRegister(StageDispatchLatency)
	prometheus.MustRegister(StageAttemptsTotal)
	prometheus.MustRegister(ChunkTransferBytes)
	prometheus.MustRegister(ChunkTransferErrors)
	prometheus.MustRegister(AutoscaleActionsTotal)
	prometheus.MustRegister(AutoscaleEvalDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
