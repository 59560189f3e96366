package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trinogate/trinogate/cluster"
	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
)

// Errors the proxy maps to client-facing status codes.
var (
	// ErrNoBackendAvailable means neither the requested group nor the
	// default group has a routable backend.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrUnknownQuery means a follow-up request carried a query id
	// without a live binding.
	ErrUnknownQuery = errors.New("query not found")
)

// NoMatchGroup is the selector result meaning "no rule chose a group",
// equivalent to the empty selection.
const NoMatchGroup = "no-match"

// DefaultTerminalGrace is how long a binding survives after a terminal
// response so clients can fetch the final result page.
const DefaultTerminalGrace = 15 * time.Second

// Options configures the routing manager.
type Options struct {
	Pool *cluster.Pool

	// Store keeps the query-id bindings. Defaults to an in-process
	// MemoryStore with default TTL.
	Store Store

	// DefaultGroup receives queries when no group is selected or the
	// selected group is empty. Defaults to "adhoc".
	DefaultGroup string

	// TerminalGrace delays binding eviction after a terminal response.
	// Defaults to 15s.
	TerminalGrace time.Duration

	// Log defaults to the application log.
	Log logging.Logger

	// Metrics defaults to the global metrics instance.
	Metrics metrics.Metrics
}

// Manager picks backends for new queries and resolves the pinned
// backend for follow-up requests.
type Manager struct {
	pool          *cluster.Pool
	store         Store
	defaultGroup  string
	terminalGrace time.Duration
	log           logging.Logger
	metrics       metrics.Metrics

	quit      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager.
func NewManager(o Options) *Manager {
	if o.Store == nil {
		o.Store = NewMemoryStore(MemoryStoreOptions{})
	}
	if o.DefaultGroup == "" {
		o.DefaultGroup = cluster.DefaultRoutingGroup
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = DefaultTerminalGrace
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &Manager{
		pool:          o.Pool,
		store:         o.Store,
		defaultGroup:  o.DefaultGroup,
		terminalGrace: o.TerminalGrace,
		log:           o.Log,
		metrics:       o.Metrics,
		quit:          make(chan struct{}),
	}
}

// Pick chooses the backend for a new query: the least queued routable
// backend of the group, falling back to the default group when the
// group is empty, unknown or not selected.
func (m *Manager) Pick(group string) (*cluster.Backend, error) {
	requested := group
	if group == "" || group == NoMatchGroup {
		group = m.defaultGroup
	}

	backends := m.pool.Routable(group)
	if len(backends) == 0 && group != m.defaultGroup {
		m.log.Debugf("routing group %s has no routable backend, falling back to %s", group, m.defaultGroup)
		backends = m.pool.Routable(m.defaultGroup)
	}
	if len(backends) == 0 {
		m.metrics.IncRoutingFailures()
		return nil, fmt.Errorf("group %s: %w", requested, ErrNoBackendAvailable)
	}

	return backends[0], nil
}

// Resolve returns the backend bound to a query id. The backend is
// returned regardless of its current health so the client observes the
// true coordinator error when it is down.
func (m *Manager) Resolve(ctx context.Context, queryID string) (*cluster.Backend, error) {
	name, err := m.store.Lookup(ctx, queryID)
	if err != nil {
		m.log.Errorf("binding lookup for %s failed: %v", queryID, err)
		m.metrics.IncBindingOp("miss")
		return nil, fmt.Errorf("%s: %w", queryID, ErrUnknownQuery)
	}
	if name == "" {
		m.metrics.IncBindingOp("miss")
		return nil, fmt.Errorf("%s: %w", queryID, ErrUnknownQuery)
	}

	b, ok := m.pool.Get(name)
	if !ok {
		m.log.Warnf("query %s is bound to removed backend %s", queryID, name)
		m.metrics.IncBindingOp("miss")
		return nil, fmt.Errorf("%s: %w", queryID, ErrUnknownQuery)
	}

	m.metrics.IncBindingOp("hit")
	return b, nil
}

// Bind pins a query id to the backend that accepted it. Binding is
// idempotent for the same backend. A conflicting binding is kept and
// logged, it implies duplicate query ids from different coordinators.
func (m *Manager) Bind(ctx context.Context, queryID string, b *cluster.Backend) {
	winner, err := m.store.Bind(ctx, queryID, b.Name())
	if err != nil {
		m.log.Errorf("failed to bind query %s to %s: %v", queryID, b.Name(), err)
		return
	}

	if winner != b.Name() {
		m.log.Warnf("query %s is already bound to %s, not rebinding to %s", queryID, winner, b.Name())
		m.metrics.IncBindingOp("conflict")
		return
	}

	m.metrics.IncBindingOp("bind")
}

// Evict schedules binding removal after the terminal grace period, so
// clients can still fetch the final result page of a finished query.
// The timer is fire-and-forget, after Close the callback does nothing.
func (m *Manager) Evict(queryID string) {
	time.AfterFunc(m.terminalGrace, func() {
		select {
		case <-m.quit:
			return
		default:
		}

		if err := m.store.Delete(context.Background(), queryID); err != nil {
			m.log.Errorf("failed to evict binding for %s: %v", queryID, err)
			return
		}
		m.metrics.IncBindingOp("evict")
	})
}

// Close stops scheduled evictions and the binding store.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	return m.store.Close()
}
