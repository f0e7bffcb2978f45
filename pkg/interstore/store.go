// Package interstore implements the per-worker Intermediate Store (§4.2):
// an in-memory (queryId, stageId) -> (partitionId -> RecordBatch) map with
// concurrent put/get and a cleanupQuery serialized against outstanding
// reads.
package interstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/types"
)

// key identifies one (query, stage) bucket.
type key struct {
	queryId types.QueryId
	stageId types.StageId
}

type bucket struct {
	mu         sync.RWMutex
	partitions map[int]types.RecordBatch
}

// Store is the Intermediate Store. index bounds the number of distinct
// (query,stage) buckets kept resident at once via LRU eviction, so a
// runaway number of concurrent queries cannot grow the store unbounded
// (spec's process-wide arena ceiling, §5); evicting an index entry also
// deletes its bucket, so later lookups of that (query,stage) return
// NotFound, while callers already holding a batch from Get keep their copy.
type Store struct {
	mu      sync.RWMutex
	buckets map[key]*bucket
	index   *lru.Cache
}

// New creates a Store bounded to maxBuckets resident (query,stage) entries.
func New(maxBuckets int) *Store {
	if maxBuckets <= 0 {
		maxBuckets = 1024
	}
	s := &Store{buckets: make(map[key]*bucket)}
	// The eviction callback must not lock s.mu itself: index.Add/Remove are
	// only ever called from bucketFor/CleanupQuery while s.mu is already
	// held, and hashicorp/golang-lru invokes onEvicted synchronously from
	// within that same call.
	idx, _ := lru.NewWithEvict(maxBuckets, func(k, _ interface{}) {
		delete(s.buckets, k.(key))
	})
	s.index = idx
	return s
}

func (s *Store) bucketFor(k key, create bool) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[k]
	if !ok {
		if !create {
			return nil
		}
		b = &bucket{partitions: make(map[int]types.RecordBatch)}
		s.buckets[k] = b
	}
	s.index.Add(k, struct{}{})
	return b
}

// Put stores a partition's batch for (queryId, stageId, partitionId).
func (s *Store) Put(queryId types.QueryId, stageId types.StageId, partitionId int, batch types.RecordBatch) {
	b := s.bucketFor(key{queryId, stageId}, true)
	b.mu.Lock()
	b.partitions[partitionId] = batch
	b.mu.Unlock()
}

// Get retrieves a stored partition. Returns NotFound if cleanupQuery has
// already run for this query, or the partition was never put.
func (s *Store) Get(queryId types.QueryId, stageId types.StageId, partitionId int) (types.RecordBatch, error) {
	b := s.bucketFor(key{queryId, stageId}, false)
	if b == nil {
		return types.RecordBatch{}, serrors.New(serrors.NotFound, "partition not found").WithQuery(queryId).WithStage(stageId)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	batch, ok := b.partitions[partitionId]
	if !ok {
		return types.RecordBatch{}, serrors.New(serrors.NotFound, "partition not found").WithQuery(queryId).WithStage(stageId)
	}
	return batch, nil
}

// ListPartitions returns PartitionInfo for every partition currently stored
// for (queryId, stageId).
func (s *Store) ListPartitions(queryId types.QueryId, stageId types.StageId) []types.PartitionInfo {
	b := s.bucketFor(key{queryId, stageId}, false)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.PartitionInfo, 0, len(b.partitions))
	for pid, batch := range b.partitions {
		out = append(out, types.PartitionInfo{
			QueryId:     queryId,
			StageId:     stageId,
			PartitionId: pid,
			RowCount:    int64(batch.RowCount),
		})
	}
	return out
}

// CleanupQuery atomically removes every bucket belonging to queryId. It is
// idempotent: calling it twice has the same effect as calling it once.
// Readers already holding a batch returned from Get keep their own copy;
// subsequent lookups return NotFound.
func (s *Store) CleanupQuery(queryId types.QueryId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.buckets {
		if k.queryId == queryId {
			delete(s.buckets, k)
			s.index.Remove(k)
		}
	}
}

// Stats reports the number of resident (query,stage) buckets, for metrics.
func (s *Store) Stats() (buckets int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}
