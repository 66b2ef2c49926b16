package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// tableShards must be a power of two
const tableShards = 64

// pendingEntry is a request awaiting its response. The table owns an entry
// from insert until the single removal that resolves it.
type pendingEntry struct {
	id       string
	deadline time.Time
	sentAt   time.Time
	future   *Future
}

type tableShard struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// table maps correlation IDs to pending entries. Lookups for unrelated IDs
// land on different shards and rarely contend.
type table struct {
	shards [tableShards]tableShard
	size   atomic.Int64
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*pendingEntry)
	}
	return t
}

func (t *table) shardFor(id string) *tableShard {
	return &t.shards[xxhash.Sum64String(id)&(tableShards-1)]
}

// insert adds a new entry for id
func (t *table) insert(id string, deadline time.Time, future *Future) (*pendingEntry, error) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.entries[id]; exists {
		return nil, ErrDuplicateCorrelationID
	}
	entry := &pendingEntry{
		id:       id,
		deadline: deadline,
		sentAt:   time.Now(),
		future:   future,
	}
	shard.entries[id] = entry
	t.size.Add(1)
	return entry, nil
}

// remove atomically detaches the entry for id. Only the caller that gets
// ok == true may resolve it.
func (t *table) remove(id string) (*pendingEntry, bool) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	entry, ok := shard.entries[id]
	if ok {
		delete(shard.entries, id)
		t.size.Add(-1)
	}
	shard.mu.Unlock()
	return entry, ok
}

// removeExpired detaches every entry whose deadline is at or before now
func (t *table) removeExpired(now time.Time) []*pendingEntry {
	var expired []*pendingEntry
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if !entry.deadline.After(now) {
				delete(shard.entries, id)
				t.size.Add(-1)
				expired = append(expired, entry)
			}
		}
		shard.mu.Unlock()
	}
	return expired
}

// drainAll detaches every entry
func (t *table) drainAll() []*pendingEntry {
	var drained []*pendingEntry
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for id, entry := range shard.entries {
			delete(shard.entries, id)
			t.size.Add(-1)
			drained = append(drained, entry)
		}
		shard.mu.Unlock()
	}
	return drained
}

func (t *table) len() int {
	return int(t.size.Load())
}
