package coordinator

import (
	"sync"

	"github.com/cuemby/shardql/pkg/types"
)

// ProgressBroker fans out ProgressUpdate events to per-query subscribers,
// generalized from warren's events.Broker (subscribe -> buffered channel,
// publish -> non-blocking fan-out) from cluster-wide Event to per-query
// ProgressUpdate so each streamProgress RPC call only sees its own query's
// traffic.
type ProgressBroker struct {
	mu   sync.RWMutex
	subs map[types.QueryId]map[chan types.ProgressUpdate]bool
}

// NewProgressBroker builds an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{subs: make(map[types.QueryId]map[chan types.ProgressUpdate]bool)}
}

// Subscribe returns a buffered channel of updates for one query.
func (b *ProgressBroker) Subscribe(queryId types.QueryId) chan types.ProgressUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan types.ProgressUpdate, 64)
	if b.subs[queryId] == nil {
		b.subs[queryId] = make(map[chan types.ProgressUpdate]bool)
	}
	b.subs[queryId][ch] = true
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *ProgressBroker) Unsubscribe(queryId types.QueryId, ch chan types.ProgressUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[queryId]; ok {
		delete(set, ch)
		close(ch)
		if len(set) == 0 {
			delete(b.subs, queryId)
		}
	}
}

// Publish fans an update out to every current subscriber of its query.
// Slow subscribers are dropped the update rather than block the publisher,
// since the next update supersedes it.
func (b *ProgressBroker) Publish(u types.ProgressUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[u.QueryId] {
		select {
		case ch <- u:
		default:
		}
	}
}

// CloseQuery tears down every subscriber for a finished query.
func (b *ProgressBroker) CloseQuery(queryId types.QueryId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[queryId] {
		close(ch)
	}
	delete(b.subs, queryId)
}
