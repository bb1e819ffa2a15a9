package klayquery

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// queryEntry is the cached state of one key. Fields below mu are guarded by it.
type queryEntry struct {
	key  Key
	hash string

	mu         sync.Mutex
	state      QueryState
	staleTime  time.Duration
	cacheTime  time.Duration
	generation uint64
	gcTimer    *time.Timer
	refetch    func(context.Context) error
}

func (e *queryEntry) isStaleLocked(now time.Time) bool {
	if e.state.IsInvalidated || !e.state.HasData() {
		return true
	}
	if e.staleTime <= 0 {
		return true
	}
	return now.Sub(e.state.UpdatedAt) >= e.staleTime
}

func (e *queryEntry) snapshot() QueryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *queryEntry) stopGCLocked() {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
}

// queryStore is a sharded map of entries keyed by Key.Hash.
type queryStore struct {
	shards []*storeShard
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]*queryEntry
}

func newQueryStore(numShards int) *queryStore {
	if numShards <= 0 {
		numShards = 16
	}
	shards := make([]*storeShard, numShards)
	for i := range shards {
		shards[i] = &storeShard{
			entries: make(map[string]*queryEntry),
		}
	}
	return &queryStore{shards: shards}
}

func (s *queryStore) getShard(hash string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *queryStore) get(hash string) (*queryEntry, bool) {
	shard := s.getShard(hash)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.entries[hash]
	return entry, ok
}

// getOrCreate returns the entry for key, creating an idle one when missing.
func (s *queryStore) getOrCreate(key Key, hash string, staleTime, cacheTime time.Duration) (*queryEntry, bool) {
	shard := s.getShard(hash)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.entries[hash]; ok {
		return entry, false
	}
	entry := &queryEntry{
		key:       key,
		hash:      hash,
		state:     QueryState{Key: key, Status: StatusIdle},
		staleTime: staleTime,
		cacheTime: cacheTime,
	}
	shard.entries[hash] = entry
	return entry, true
}

// holds reports whether entry is still the live entry for its hash.
func (s *queryStore) holds(entry *queryEntry) bool {
	current, ok := s.get(entry.hash)
	return ok && current == entry
}

// remove deletes entry if it is still the live entry for its hash.
func (s *queryStore) remove(entry *queryEntry) bool {
	shard := s.getShard(entry.hash)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.entries[entry.hash] != entry {
		return false
	}
	delete(shard.entries, entry.hash)
	return true
}

// match returns the entries whose key starts with prefix.
func (s *queryStore) match(prefix Key) []*queryEntry {
	var out []*queryEntry
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, entry := range shard.entries {
			if entry.key.HasPrefix(prefix) {
				out = append(out, entry)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

func (s *queryStore) len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
