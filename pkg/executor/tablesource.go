package executor

import (
	"context"

	"github.com/cuemby/shardql/pkg/types"
)

// TableSource resolves a SCAN stage's DataPartition.FileRefs into an actual
// RecordBatch. The core model leaves storage access external to it (spec.md
// §3: "DataPartition is opaque to the core; TableSource interprets
// FileRefs"); production deployments wire in whatever catalog/storage layer
// fronts the cluster.
type TableSource interface {
	Scan(ctx context.Context, partition types.DataPartition) (types.RecordBatch, error)
}

// EmptyTableSource returns an empty, correctly-shaped batch for any
// partition. Used where no catalog is wired in (tests, and single-node
// trial deployments where SCAN stages carry pre-materialized
// InputPartitions already captured by an upstream EXCHANGE stage).
type EmptyTableSource struct {
	Schema types.Schema
}

func (e EmptyTableSource) Scan(_ context.Context, _ types.DataPartition) (types.RecordBatch, error) {
	return types.RecordBatch{Schema: e.Schema}, nil
}
