// Package api implements the client-facing control API: submit/status/
// results/cancel for queries, workers/clusterStats for fleet visibility, and
// autoscale target/status for manual overrides. It is plain JSON over
// net/http, the same way the cluster's own health/ready/metrics endpoints
// are, rather than another gRPC service — clients never need a generated
// stub to drive a query.
package api
