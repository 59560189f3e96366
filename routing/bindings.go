// Package routing decides which backend serves a request: it picks a
// backend for new queries by routing group and pins follow-up requests
// to the backend that accepted the query via query-id bindings.
package routing

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trinogate/trinogate/metrics"
)

// Store keeps query-id to backend-name bindings. A binding is
// write-once: Bind returns the name that won, which is the existing
// one on conflict. Lookup refreshes the entry's idle TTL.
type Store interface {
	Bind(ctx context.Context, queryID, backend string) (string, error)
	Lookup(ctx context.Context, queryID string) (string, error)
	Delete(ctx context.Context, queryID string) error
	Close() error
}

const (
	// DefaultBindingTTL is the idle lifetime of a binding.
	DefaultBindingTTL = time.Hour

	// DefaultSweepInterval is how often expired bindings are collected.
	DefaultSweepInterval = time.Minute

	memoryShards = 64
)

type memoryBinding struct {
	backend    string
	lastAccess atomic.Int64 // unix nanoseconds
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*memoryBinding
}

// MemoryStoreOptions configures the in-process binding store.
type MemoryStoreOptions struct {
	// TTL is the idle lifetime of a binding. Defaults to one hour.
	TTL time.Duration

	// SweepInterval is the period of the expiry sweeper. Defaults to
	// one minute.
	SweepInterval time.Duration

	// Metrics defaults to the global metrics instance.
	Metrics metrics.Metrics
}

// MemoryStore is the default binding store: sharded maps with an idle
// TTL enforced by a background sweeper.
type MemoryStore struct {
	ttl     time.Duration
	shards  [memoryShards]*memoryShard
	count   atomic.Int64
	metrics metrics.Metrics

	quit      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates the store and starts its sweeper.
func NewMemoryStore(o MemoryStoreOptions) *MemoryStore {
	if o.TTL <= 0 {
		o.TTL = DefaultBindingTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	s := &MemoryStore{
		ttl:     o.TTL,
		metrics: o.Metrics,
		quit:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryBinding)}
	}

	go s.sweep(o.SweepInterval)
	return s
}

func (s *MemoryStore) shard(queryID string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(queryID))
	return s.shards[h.Sum32()%memoryShards]
}

// Bind stores the binding unless one exists, returning the backend
// name that is bound after the call.
func (s *MemoryStore) Bind(_ context.Context, queryID, backend string) (string, error) {
	shard := s.shard(queryID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.entries[queryID]; ok {
		existing.lastAccess.Store(time.Now().UnixNano())
		return existing.backend, nil
	}

	b := &memoryBinding{backend: backend}
	b.lastAccess.Store(time.Now().UnixNano())
	shard.entries[queryID] = b

	s.count.Add(1)
	s.metrics.UpdateBindings(s.count.Load())
	return backend, nil
}

// Lookup returns the bound backend name, the empty string on a miss.
// A hit refreshes the idle TTL.
func (s *MemoryStore) Lookup(_ context.Context, queryID string) (string, error) {
	shard := s.shard(queryID)
	shard.mu.RLock()
	b, ok := shard.entries[queryID]
	shard.mu.RUnlock()

	if !ok {
		return "", nil
	}

	b.lastAccess.Store(time.Now().UnixNano())
	return b.backend, nil
}

// Delete removes the binding if present.
func (s *MemoryStore) Delete(_ context.Context, queryID string) error {
	shard := s.shard(queryID)
	shard.mu.Lock()
	_, ok := shard.entries[queryID]
	delete(shard.entries, queryID)
	shard.mu.Unlock()

	if ok {
		s.count.Add(-1)
		s.metrics.UpdateBindings(s.count.Load())
	}
	return nil
}

// Len returns the number of live bindings.
func (s *MemoryStore) Len() int {
	return int(s.count.Load())
}

// Close stops the sweeper. Bindings stay readable, Close only exists
// to release the background goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	return nil
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire(time.Now())
		case <-s.quit:
			return
		}
	}
}

// expire drops bindings that were not accessed within the TTL. Shards
// are swept one at a time so the lock hold stays short.
func (s *MemoryStore) expire(now time.Time) {
	deadline := now.Add(-s.ttl).UnixNano()
	expired := int64(0)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, b := range shard.entries {
			if b.lastAccess.Load() < deadline {
				delete(shard.entries, id)
				expired++
			}
		}
		shard.mu.Unlock()
	}

	if expired > 0 {
		s.count.Add(-expired)
		s.metrics.IncCounterBy("bindings.expired", expired)
		s.metrics.UpdateBindings(s.count.Load())
	}
}
