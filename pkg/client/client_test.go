package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardql/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.Listener.Addr().String())
	return c
}

func jsonHandler(t *testing.T, status int, body any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestSubmit(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusAccepted, SubmitResult{QueryId: "q1", Status: types.QuerySubmitted}))
	res, err := c.Submit(context.Background(), SubmitRequest{SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, types.QueryId("q1"), res.QueryId)
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusOK, types.QueryState{QueryId: "q1", Status: types.QueryRunning}))
	st, err := c.Status(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, types.QueryRunning, st.Status)
}

func TestCancel(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusOK, map[string]bool{"cancelled": true}))
	ok, err := c.Cancel(context.Background(), "q1", "user requested")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestErrorResponseIsSurfaced(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusNotFound, map[string]string{"error": "NotFound: query not found"}))
	_, err := c.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWorkers(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusOK, []types.WorkerInfo{{ID: "w1", Status: types.WorkerHealthy}}))
	workers, err := c.Workers(context.Background(), types.WorkerHealthy)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerId("w1"), workers[0].ID)
}

func TestAutoscaleTarget(t *testing.T) {
	c := newTestClient(t, jsonHandler(t, http.StatusOK, AutoscaleTargetResult{Previous: 1, New: 2, Success: true}))
	res, err := c.SetAutoscaleTarget(context.Background(), 2, "manual override")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
}
