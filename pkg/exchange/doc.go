// Package exchange sends and requests query data between workers: pooled
// connections, retried remote calls, and hash-partitioned shuffle built on
// pkg/chunkcodec and pkg/rpc.
package exchange
