package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, name, group string) *Backend {
	t.Helper()
	b, err := NewBackend(BackendOptions{
		Name:         name,
		ProxyTo:      "http://" + name + ".example.org:8080",
		RoutingGroup: group,
	})
	require.NoError(t, err)
	return b
}

func probed(b *Backend, reachable bool, queued int64) *Backend {
	b.UpdateHealth(HealthSnapshot{
		Reachable:     reachable,
		QueuedQueries: queued,
		ProbedAt:      time.Now(),
	})
	return b
}

func TestNewBackend(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b, err := NewBackend(BackendOptions{Name: "trino-1", ProxyTo: "http://10.0.0.1:8080"})
		require.NoError(t, err)

		assert.Equal(t, "trino-1", b.Name())
		assert.Equal(t, DefaultRoutingGroup, b.RoutingGroup())
		assert.Equal(t, "http://10.0.0.1:8080", b.ExternalURL().String())
		assert.True(t, b.Active())
		assert.True(t, b.Routable())
	})

	t.Run("external url", func(t *testing.T) {
		b, err := NewBackend(BackendOptions{
			Name:        "trino-1",
			ProxyTo:     "http://10.0.0.1:8080",
			ExternalURL: "https://trino-1.example.org",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://trino-1.example.org", b.ExternalURL().String())
	})

	t.Run("inactive", func(t *testing.T) {
		b, err := NewBackend(BackendOptions{Name: "trino-1", ProxyTo: "http://10.0.0.1:8080", Inactive: true})
		require.NoError(t, err)
		assert.False(t, b.Active())
		assert.False(t, b.Routable())
	})

	for _, ti := range []struct {
		msg string
		o   BackendOptions
	}{
		{"missing name", BackendOptions{ProxyTo: "http://10.0.0.1:8080"}},
		{"missing proxy url", BackendOptions{Name: "trino-1"}},
		{"unsupported scheme", BackendOptions{Name: "trino-1", ProxyTo: "ftp://10.0.0.1"}},
		{"missing host", BackendOptions{Name: "trino-1", ProxyTo: "http://"}},
		{"bad external url", BackendOptions{Name: "trino-1", ProxyTo: "http://10.0.0.1:8080", ExternalURL: "::"}},
	} {
		t.Run(ti.msg, func(t *testing.T) {
			_, err := NewBackend(ti.o)
			assert.Error(t, err)
		})
	}
}

func TestPoolUniqueNames(t *testing.T) {
	_, err := NewPool(testBackend(t, "a", ""), testBackend(t, "a", ""))
	assert.Error(t, err)
}

func TestPoolAddRemove(t *testing.T) {
	p, err := NewPool(testBackend(t, "a", ""))
	require.NoError(t, err)

	require.NoError(t, p.Add(testBackend(t, "b", "")))
	assert.Error(t, p.Add(testBackend(t, "a", "")))
	assert.Len(t, p.All(), 2)

	_, ok := p.Get("b")
	assert.True(t, ok)

	assert.True(t, p.Remove("a"))
	assert.False(t, p.Remove("a"))
	assert.Len(t, p.All(), 1)
}

func TestPoolSetActive(t *testing.T) {
	p, err := NewPool(testBackend(t, "a", ""))
	require.NoError(t, err)

	assert.True(t, p.SetActive("a", false))
	b, _ := p.Get("a")
	assert.False(t, b.Active())

	assert.False(t, p.SetActive("missing", true))
}

func TestPoolRoutableOrder(t *testing.T) {
	busy := probed(testBackend(t, "busy", "etl"), true, 9)
	calm := probed(testBackend(t, "calm", "etl"), true, 1)
	tied := probed(testBackend(t, "tied", "etl"), true, 1)
	down := probed(testBackend(t, "down", "etl"), false, 0)
	fresh := testBackend(t, "fresh", "etl")
	other := probed(testBackend(t, "other", "adhoc"), true, 0)
	parked := probed(testBackend(t, "parked", "etl"), true, 0)
	parked.SetActive(false)

	p, err := NewPool(busy, calm, tied, down, fresh, other, parked)
	require.NoError(t, err)

	var names []string
	for _, b := range p.Routable("etl") {
		names = append(names, b.Name())
	}

	// fresh was never probed and has no queue depth, so it sorts with
	// the zero-depth entries
	assert.Equal(t, []string{"fresh", "calm", "tied", "busy"}, names)

	assert.Empty(t, p.Routable("missing"))
}
