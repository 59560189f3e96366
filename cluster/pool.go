package cluster

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Pool is the authoritative set of backends. Reads work on an
// immutable snapshot, admin updates replace the snapshot under a
// writer lock.
type Pool struct {
	mu   sync.Mutex
	list atomic.Pointer[[]*Backend]
}

// NewPool creates a pool from the initial backends. Names must be
// unique.
func NewPool(backends ...*Backend) (*Pool, error) {
	seen := make(map[string]bool)
	for _, b := range backends {
		if seen[b.Name()] {
			return nil, fmt.Errorf("duplicate backend name %s", b.Name())
		}
		seen[b.Name()] = true
	}

	list := append([]*Backend{}, backends...)
	p := &Pool{}
	p.list.Store(&list)
	return p, nil
}

// All returns every configured backend in configuration order. The
// returned slice is the caller's to keep.
func (p *Pool) All() []*Backend {
	return append([]*Backend{}, *p.list.Load()...)
}

// Get returns the backend with the given name.
func (p *Pool) Get(name string) (*Backend, bool) {
	for _, b := range *p.list.Load() {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Add appends a backend to the pool.
func (p *Pool) Add(b *Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.list.Load()
	for _, existing := range current {
		if existing.Name() == b.Name() {
			return fmt.Errorf("duplicate backend name %s", b.Name())
		}
	}

	next := make([]*Backend, len(current), len(current)+1)
	copy(next, current)
	next = append(next, b)
	p.list.Store(&next)
	return nil
}

// Remove takes a backend out of the pool and reports whether it was
// present.
func (p *Pool) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.list.Load()
	next := make([]*Backend, 0, len(current))
	found := false
	for _, b := range current {
		if b.Name() == name {
			found = true
			continue
		}
		next = append(next, b)
	}
	if found {
		p.list.Store(&next)
	}
	return found
}

// SetActive flips the active flag of a backend and reports whether the
// backend exists.
func (p *Pool) SetActive(name string, active bool) bool {
	b, ok := p.Get(name)
	if ok {
		b.SetActive(active)
	}
	return ok
}

// Routable returns the routable backends of a group ordered by
// ascending queued query count, ties broken by name. Queue depths are
// captured once so that a probe landing mid-sort cannot skew the
// comparison.
func (p *Pool) Routable(group string) []*Backend {
	type ranked struct {
		b      *Backend
		queued int64
	}

	var members []ranked
	for _, b := range *p.list.Load() {
		if b.RoutingGroup() == group && b.Routable() {
			members = append(members, ranked{b, b.Health().QueuedQueries})
		}
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].queued != members[j].queued {
			return members[i].queued < members[j].queued
		}
		return members[i].b.Name() < members[j].b.Name()
	})

	backends := make([]*Backend, len(members))
	for i, m := range members {
		backends[i] = m.b
	}
	return backends
}
