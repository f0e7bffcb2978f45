// Package api implements the client-facing control API (§6): submit,
// status, results, cancel, worker listing, cluster stats, and autoscale
// target/status, as plain JSON-over-HTTP the way the teacher's own
// non-RPC HTTP surface (pkg/api/health.go) is plain net/http with no
// router library, rather than another gRPC service.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/shardql/pkg/autoscaler"
	"github.com/cuemby/shardql/pkg/coordinator"
	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/metrics"
	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/types"
)

// LeaderChecker exposes the Raft group's leadership state for /ready, kept
// as an interface so api doesn't need a hard import of coordinatorstate
// when run single-node without Raft wired up.
type LeaderChecker interface {
	IsLeader() bool
	LastKnownLeader() string
}

// Server wires the control API's HTTP surface over a Coordinator, Registry
// and Autoscaler, grounded on pkg/api/health.go's ServeMux-plus-handlers
// idiom (HealthServer{manager, mux}).
type Server struct {
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	autoscale   *autoscaler.Autoscaler
	leader      LeaderChecker
	mux         *http.ServeMux
}

// NewServer builds the control API mux.
func NewServer(c *coordinator.Coordinator, reg *registry.Registry, as *autoscaler.Autoscaler, leader LeaderChecker) *Server {
	s := &Server{coordinator: c, registry: reg, autoscale: as, leader: leader, mux: http.NewServeMux()}
	s.mux.HandleFunc("/submit", s.handleSubmit)
	s.mux.HandleFunc("/status/", s.handleStatus)
	s.mux.HandleFunc("/results/", s.handleResults)
	s.mux.HandleFunc("/cancel/", s.handleCancel)
	s.mux.HandleFunc("/workers", s.handleWorkers)
	s.mux.HandleFunc("/clusterStats", s.handleClusterStats)
	s.mux.HandleFunc("/autoscale/target", s.handleAutoscaleTarget)
	s.mux.HandleFunc("/autoscale/status", s.handleAutoscaleStatus)
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Start runs the control API's HTTP server; blocks until it exits.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("control API listening")
	return srv.ListenAndServe()
}

// Handler exposes the mux, for embedding in tests or another listener.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch serrors.KindOf(err) {
	case serrors.InvalidRequest:
		status = http.StatusBadRequest
	case serrors.NotFound:
		status = http.StatusNotFound
	case serrors.Conflict:
		status = http.StatusConflict
	case serrors.Unavailable, serrors.ResourceExhausted:
		status = http.StatusServiceUnavailable
	case serrors.Timeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathSuffix(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

// submitRequest carries an externally-produced ExecutionPlan. Translating
// SQL text into a Plan is a planning/optimization concern, and spec.md's
// Non-goals exclude "query optimization beyond stage partitioning" — so SQL
// and SessionId are accepted here for API-shape compatibility and request
// logging only; Plan is what the Coordinator actually dispatches.
type submitRequest struct {
	SQL       string              `json:"sql"`
	SessionId string              `json:"sessionId,omitempty"`
	Plan      types.ExecutionPlan `json:"plan"`
}

type submitResponse struct {
	QueryId     types.QueryId     `json:"queryId"`
	Status      types.QueryStatus `json:"status"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, serrors.Wrap(serrors.InvalidRequest, "decode submit request", err))
		return
	}
	log.WithComponent("api").Debug().Str("session_id", req.SessionId).Str("sql", req.SQL).Msg("submit received")
	queryId, err := s.coordinator.Submit(r.Context(), req.Plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{QueryId: queryId, Status: types.QuerySubmitted, SubmittedAt: time.Now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queryId := types.QueryId(pathSuffix(r, "/status/"))
	state, err := s.coordinator.Status(queryId)
	if err != nil {
		writeError(w, serrors.New(serrors.NotFound, "query not found").WithQuery(queryId))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queryId := types.QueryId(pathSuffix(r, "/results/"))
	state, err := s.coordinator.Status(queryId)
	if err != nil {
		writeError(w, serrors.New(serrors.NotFound, "query not found").WithQuery(queryId))
		return
	}
	if state.Status != types.QueryCompleted {
		writeError(w, serrors.New(serrors.Conflict, "results only available for COMPLETED queries").WithQuery(queryId))
		return
	}
	batches, err := s.coordinator.Results(r.Context(), queryId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queryId := types.QueryId(pathSuffix(r, "/cancel/"))
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.coordinator.Cancel(r.Context(), queryId, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := types.WorkerStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.registry.List(status))
}

func (s *Server) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleAutoscaleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		N      int    `json:"n"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, serrors.Wrap(serrors.InvalidRequest, "decode autoscale target request", err))
		return
	}
	prev, cur, err := s.autoscale.SetTarget(req.N, req.Reason)
	if err != nil {
		writeError(w, serrors.Wrap(serrors.InvalidRequest, "set autoscale target", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"previous": prev, "new": cur, "success": true})
}

func (s *Server) handleAutoscaleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.autoscale.Status())
}
