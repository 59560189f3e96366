// Package cluster maintains the set of configured Trino backends
// together with a periodically refreshed health and queue-depth
// snapshot. The pool is copy-on-write, readers never block on probe
// or admin updates.
package cluster

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"
)

// DefaultRoutingGroup is the group backends join when none is
// configured, and the group picks fall back to.
const DefaultRoutingGroup = "adhoc"

// HealthSnapshot is the outcome of the most recent probe. The zero
// value means the backend was never probed.
type HealthSnapshot struct {
	Reachable      bool
	QueuedQueries  int64
	RunningQueries int64
	ProbedAt       time.Time
}

// Backend is one Trino coordinator behind the gateway. The identity
// and URLs are immutable, the active flag and the health snapshot
// change at runtime.
type Backend struct {
	name         string
	routingGroup string
	proxyTo      *url.URL
	externalURL  *url.URL

	active atomic.Bool
	health atomic.Pointer[HealthSnapshot]
}

// BackendOptions configures a single backend.
type BackendOptions struct {
	// Name identifies the backend. Required, unique within a pool.
	Name string

	// ProxyTo is the URL the gateway connects to. Required.
	ProxyTo string

	// ExternalURL is the URL the backend advertises to clients in
	// follow-up URIs. Defaults to ProxyTo.
	ExternalURL string

	// RoutingGroup the backend belongs to. Defaults to "adhoc".
	RoutingGroup string

	// Inactive keeps the backend out of routing decisions until it is
	// activated.
	Inactive bool
}

// NewBackend validates the options and creates a backend.
func NewBackend(o BackendOptions) (*Backend, error) {
	if o.Name == "" {
		return nil, fmt.Errorf("backend without a name")
	}

	proxyTo, err := parseBackendURL(o.ProxyTo)
	if err != nil {
		return nil, fmt.Errorf("backend %s: proxy url: %w", o.Name, err)
	}

	externalURL := proxyTo
	if o.ExternalURL != "" {
		if externalURL, err = parseBackendURL(o.ExternalURL); err != nil {
			return nil, fmt.Errorf("backend %s: external url: %w", o.Name, err)
		}
	}

	group := o.RoutingGroup
	if group == "" {
		group = DefaultRoutingGroup
	}

	b := &Backend{
		name:         o.Name,
		routingGroup: group,
		proxyTo:      proxyTo,
		externalURL:  externalURL,
	}
	b.active.Store(!o.Inactive)
	return b, nil
}

func parseBackendURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}

	return u, nil
}

func (b *Backend) Name() string         { return b.name }
func (b *Backend) RoutingGroup() string { return b.routingGroup }

// ProxyTo returns the URL the gateway connects to.
func (b *Backend) ProxyTo() *url.URL { return b.proxyTo }

// ExternalURL returns the URL the backend advertises in follow-up
// URIs.
func (b *Backend) ExternalURL() *url.URL { return b.externalURL }

func (b *Backend) Active() bool       { return b.active.Load() }
func (b *Backend) SetActive(act bool) { b.active.Store(act) }

// Health returns the latest probe snapshot, the zero snapshot when the
// backend was never probed.
func (b *Backend) Health() HealthSnapshot {
	if h := b.health.Load(); h != nil {
		return *h
	}
	return HealthSnapshot{}
}

// UpdateHealth replaces the probe snapshot.
func (b *Backend) UpdateHealth(h HealthSnapshot) {
	b.health.Store(&h)
}

// Routable reports whether the backend may receive new queries: it is
// active and the last probe succeeded. A backend that was never probed
// counts as reachable so that a fresh gateway or one running without a
// monitor can route immediately.
func (b *Backend) Routable() bool {
	if !b.active.Load() {
		return false
	}
	h := b.Health()
	return h.ProbedAt.IsZero() || h.Reachable
}
