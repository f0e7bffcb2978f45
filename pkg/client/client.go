// Package client implements the CLI-facing wrapper around the coordinator's
// HTTP control API, grounded on pkg/client/client.go's thin per-call method
// idiom (one small method per RPC) but built over net/http/JSON rather than
// a generated gRPC stub, since the control API it talks to (pkg/api) is
// itself plain HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/types"
)

// Client wraps the control API for CLI and programmatic use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client pointed at the coordinator's control API.
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitRequest mirrors pkg/api's submitRequest shape.
type SubmitRequest struct {
	SQL       string              `json:"sql"`
	SessionId string              `json:"sessionId,omitempty"`
	Plan      types.ExecutionPlan `json:"plan"`
}

// SubmitResult mirrors pkg/api's submitResponse shape.
type SubmitResult struct {
	QueryId     types.QueryId     `json:"queryId"`
	Status      types.QueryStatus `json:"status"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// Submit posts a query plan to the coordinator.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var out SubmitResult
	err := c.do(ctx, http.MethodPost, "/submit", req, &out)
	return out, err
}

// Status fetches a query's current lifecycle state.
func (c *Client) Status(ctx context.Context, queryId types.QueryId) (types.QueryState, error) {
	var out types.QueryState
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(string(queryId)), nil, &out)
	return out, err
}

// Results fetches a completed query's output batches.
func (c *Client) Results(ctx context.Context, queryId types.QueryId) ([]types.RecordBatch, error) {
	var out struct {
		Batches []types.RecordBatch `json:"batches"`
	}
	err := c.do(ctx, http.MethodGet, "/results/"+url.PathEscape(string(queryId)), nil, &out)
	return out.Batches, err
}

// Cancel requests cancellation of an in-flight query.
func (c *Client) Cancel(ctx context.Context, queryId types.QueryId, reason string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(string(queryId)), map[string]string{"reason": reason}, &out)
	return out.Cancelled, err
}

// Workers lists the fleet, optionally filtered by status ("" means all).
func (c *Client) Workers(ctx context.Context, status types.WorkerStatus) ([]types.WorkerInfo, error) {
	path := "/workers"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []types.WorkerInfo
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ClusterStatsResult mirrors registry.Stats (kept as a plain struct here so
// this package has no import dependency on pkg/registry).
type ClusterStatsResult struct {
	Total     int `json:"Total"`
	Healthy   int `json:"Healthy"`
	Unhealthy int `json:"Unhealthy"`
	Draining  int `json:"Draining"`
}

// ClusterStats fetches fleet-wide worker counts.
func (c *Client) ClusterStats(ctx context.Context) (ClusterStatsResult, error) {
	var out ClusterStatsResult
	err := c.do(ctx, http.MethodGet, "/clusterStats", nil, &out)
	return out, err
}

// AutoscaleTargetResult mirrors pkg/api's target response shape.
type AutoscaleTargetResult struct {
	Previous int  `json:"previous"`
	New      int  `json:"new"`
	Success  bool `json:"success"`
}

// SetAutoscaleTarget pins the fleet to n workers.
func (c *Client) SetAutoscaleTarget(ctx context.Context, n int, reason string) (AutoscaleTargetResult, error) {
	var out AutoscaleTargetResult
	err := c.do(ctx, http.MethodPost, "/autoscale/target", map[string]any{"n": n, "reason": reason}, &out)
	return out, err
}

// AutoscaleStatusResult mirrors autoscaler.Status.
type AutoscaleStatusResult struct {
	CurrentWorkers int       `json:"CurrentWorkers"`
	TargetWorkers  int       `json:"TargetWorkers"`
	LastAction     string    `json:"LastAction"`
	LastReason     string    `json:"LastReason"`
	LastActionAt   time.Time `json:"LastActionAt"`
}

// AutoscaleStatus fetches the autoscaler's current view.
func (c *Client) AutoscaleStatus(ctx context.Context) (AutoscaleStatusResult, error) {
	var out AutoscaleStatusResult
	err := c.do(ctx, http.MethodGet, "/autoscale/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return serrors.Wrap(serrors.InvalidRequest, "encode request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return serrors.Wrap(serrors.InvalidRequest, "build request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return serrors.Wrap(serrors.Unavailable, "control API request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("control API returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
