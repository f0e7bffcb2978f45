package interstore

import (
	"sync"
	"testing"

	"github.com/cuemby/shardql/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New(16)
	batch := types.RecordBatch{RowCount: 3}
	s.Put("q1", 1, 0, batch)

	got, err := s.Get("q1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RowCount)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(16)
	_, err := s.Get("missing", 1, 0)
	assert.Error(t, err)
}

func TestCleanupQueryIsIdempotent(t *testing.T) {
	s := New(16)
	s.Put("q1", 1, 0, types.RecordBatch{RowCount: 1})
	s.Put("q1", 2, 0, types.RecordBatch{RowCount: 1})
	s.Put("q2", 1, 0, types.RecordBatch{RowCount: 1})

	s.CleanupQuery("q1")
	s.CleanupQuery("q1") // second call must be a no-op, not an error

	_, err := s.Get("q1", 1, 0)
	assert.Error(t, err)
	_, err = s.Get("q2", 1, 0)
	assert.NoError(t, err)
}

func TestListPartitions(t *testing.T) {
	s := New(16)
	s.Put("q1", 1, 0, types.RecordBatch{RowCount: 2})
	s.Put("q1", 1, 1, types.RecordBatch{RowCount: 5})

	infos := s.ListPartitions("q1", 1)
	assert.Len(t, infos, 2)
}

func TestEvictionAtCapacityPrunesBackingMap(t *testing.T) {
	s := New(4)
	for i := 0; i < 10; i++ {
		s.Put(types.QueryId("q"), types.StageId(i), 0, types.RecordBatch{RowCount: i})
	}

	assert.Equal(t, 4, s.Stats(), "evicted buckets must also be pruned from the backing map, not just the LRU index")

	_, err := s.Get("q", 0, 0)
	assert.Error(t, err, "the oldest bucket should have been evicted")
	_, err = s.Get("q", 9, 0)
	assert.NoError(t, err, "the most recently written bucket should still be resident")
}

func TestConcurrentPutGet(t *testing.T) {
	s := New(16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Put("q1", types.StageId(1), i, types.RecordBatch{RowCount: i})
			_, _ = s.Get("q1", types.StageId(1), i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Stats())
}
