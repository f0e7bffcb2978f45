package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardql/pkg/autoscaler"
	"github.com/cuemby/shardql/pkg/coordinator"
	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/launcher"
	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/types"
)

type fakeMetricsSource struct{ m types.ClusterMetrics }

func (f *fakeMetricsSource) ClusterMetrics() types.ClusterMetrics { return f.m }

type fakeLeader struct {
	leader     bool
	lastLeader string
}

func (f *fakeLeader) IsLeader() bool           { return f.leader }
func (f *fakeLeader) LastKnownLeader() string  { return f.lastLeader }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	transport := exchange.New(exchange.DefaultRetryPolicy())
	t.Cleanup(func() { _ = transport.Close() })
	state := newFakeCoordinatorState()
	c := coordinator.New(coordinator.DefaultConfig(), reg, state, transport, coordinator.NewProgressBroker())

	ms := &fakeMetricsSource{m: types.ClusterMetrics{HealthyWorkers: 1}}
	launch := &launcher.ManualLauncher{}
	as := autoscaler.New(autoscaler.DefaultConfig(), ms, launch,
		func() launcher.LaunchSpec { return launcher.LaunchSpec{} },
		func(string) bool { return true },
		func(string) error { return nil },
	)

	return NewServer(c, reg, as, &fakeLeader{leader: true})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthHandlerRejectsNonGet(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReadyHandlerLeader(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "leader", resp.Checks["raft"])
}

func TestReadyHandlerNoLeader(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	transport := exchange.New(exchange.DefaultRetryPolicy())
	t.Cleanup(func() { _ = transport.Close() })
	state := newFakeCoordinatorState()
	c := coordinator.New(coordinator.DefaultConfig(), reg, state, transport, coordinator.NewProgressBroker())
	ms := &fakeMetricsSource{}
	launch := &launcher.ManualLauncher{}
	as := autoscaler.New(autoscaler.DefaultConfig(), ms, launch,
		func() launcher.LaunchSpec { return launcher.LaunchSpec{} },
		func(string) bool { return true },
		func(string) error { return nil },
	)
	s := NewServer(c, reg, as, &fakeLeader{leader: false})

	w := doRequest(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitAndStatus(t *testing.T) {
	s := newTestServer(t)

	req := submitRequest{SQL: "SELECT 1", Plan: types.ExecutionPlan{
		Stages: []types.Stage{{StageId: 1, Type: types.StageFinal}},
	}}
	w := doRequest(t, s, http.MethodPost, "/submit", req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var sub submitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.NotEmpty(t, sub.QueryId)
	assert.Equal(t, types.QuerySubmitted, sub.Status)

	w = doRequest(t, s, http.MethodGet, "/status/"+string(sub.QueryId), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusUnknownQueryReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultsRejectsIncompleteQuery(t *testing.T) {
	s := newTestServer(t)
	req := submitRequest{Plan: types.ExecutionPlan{Stages: []types.Stage{{StageId: 1, Type: types.StageFinal}}}}
	w := doRequest(t, s, http.MethodPost, "/submit", req)
	require.Equal(t, http.StatusAccepted, w.Code)
	var sub submitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))

	w = doRequest(t, s, http.MethodGet, "/results/"+string(sub.QueryId), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkersAndClusterStats(t *testing.T) {
	s := newTestServer(t)
	s.registry.Register("w1", "127.0.0.1:9001", types.Resources{}, nil)

	w := doRequest(t, s, http.MethodGet, "/workers", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/clusterStats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var stats registry.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Total)
}

func TestAutoscaleTargetAndStatus(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/autoscale/target", map[string]any{"n": 2, "reason": "load test"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["success"])

	w = doRequest(t, s, http.MethodGet, "/autoscale/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// fakeCoordinatorState is a minimal coordinator.StateStore for API-level
// tests that don't need a live Raft group.
type fakeCoordinatorState struct {
	queries map[types.QueryId]types.QueryState
}

func newFakeCoordinatorState() *fakeCoordinatorState {
	return &fakeCoordinatorState{queries: make(map[types.QueryId]types.QueryState)}
}

func (s *fakeCoordinatorState) SubmitQuery(q types.QueryState) error {
	s.queries[q.QueryId] = q
	return nil
}

func (s *fakeCoordinatorState) UpdateQuery(q types.QueryState) error {
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

func (s *fakeCoordinatorState) RecordAssignment(types.QueryId, types.StageId, types.WorkerId) error {
	return nil
}
func (s *fakeCoordinatorState) RecordOutput(types.QueryId, types.StageId, types.ResultRef) error {
	return nil
}

func (s *fakeCoordinatorState) QueryStatus(q types.QueryId) (types.QueryState, error) {
	st, ok := s.queries[q]
	if !ok {
		return types.QueryState{}, context.DeadlineExceeded
	}
	return st, nil
}
