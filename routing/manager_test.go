package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinogate/trinogate/cluster"
)

func routableBackend(t *testing.T, name, group string, queued int64) *cluster.Backend {
	t.Helper()
	b, err := cluster.NewBackend(cluster.BackendOptions{
		Name:         name,
		ProxyTo:      "http://" + name + ".example.org:8080",
		RoutingGroup: group,
	})
	require.NoError(t, err)
	b.UpdateHealth(cluster.HealthSnapshot{
		Reachable:     true,
		QueuedQueries: queued,
		ProbedAt:      time.Now(),
	})
	return b
}

func TestPick(t *testing.T) {
	etlBusy := routableBackend(t, "etl-busy", "etl", 5)
	etlCalm := routableBackend(t, "etl-calm", "etl", 1)
	adhoc := routableBackend(t, "adhoc-1", "adhoc", 0)

	pool, err := cluster.NewPool(etlBusy, etlCalm, adhoc)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()

	t.Run("least queued of the group", func(t *testing.T) {
		b, err := m.Pick("etl")
		require.NoError(t, err)
		assert.Equal(t, "etl-calm", b.Name())
	})

	t.Run("empty selection goes to the default group", func(t *testing.T) {
		b, err := m.Pick("")
		require.NoError(t, err)
		assert.Equal(t, "adhoc-1", b.Name())
	})

	t.Run("no-match goes to the default group", func(t *testing.T) {
		b, err := m.Pick(NoMatchGroup)
		require.NoError(t, err)
		assert.Equal(t, "adhoc-1", b.Name())
	})

	t.Run("unknown group falls back", func(t *testing.T) {
		b, err := m.Pick("does-not-exist")
		require.NoError(t, err)
		assert.Equal(t, "adhoc-1", b.Name())
	})
}

func TestPickNoBackendAvailable(t *testing.T) {
	down := routableBackend(t, "down", "etl", 0)
	down.UpdateHealth(cluster.HealthSnapshot{Reachable: false, ProbedAt: time.Now()})

	pool, err := cluster.NewPool(down)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()

	_, err = m.Pick("etl")
	assert.ErrorIs(t, err, ErrNoBackendAvailable)

	_, err = m.Pick("")
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestBindResolve(t *testing.T) {
	b := routableBackend(t, "trino-1", "adhoc", 0)
	pool, err := cluster.NewPool(b)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()
	ctx := context.Background()

	_, err = m.Resolve(ctx, testQueryID)
	assert.ErrorIs(t, err, ErrUnknownQuery)

	m.Bind(ctx, testQueryID, b)

	resolved, err := m.Resolve(ctx, testQueryID)
	require.NoError(t, err)
	assert.Equal(t, "trino-1", resolved.Name())
}

func TestResolveIgnoresHealth(t *testing.T) {
	b := routableBackend(t, "trino-1", "adhoc", 0)
	pool, err := cluster.NewPool(b)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()
	ctx := context.Background()

	m.Bind(ctx, testQueryID, b)
	b.UpdateHealth(cluster.HealthSnapshot{Reachable: false, ProbedAt: time.Now()})

	resolved, err := m.Resolve(ctx, testQueryID)
	require.NoError(t, err)
	assert.Equal(t, "trino-1", resolved.Name(), "follow-ups stay pinned to an unreachable backend")
}

func TestResolveRemovedBackend(t *testing.T) {
	b := routableBackend(t, "trino-1", "adhoc", 0)
	pool, err := cluster.NewPool(b)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()
	ctx := context.Background()

	m.Bind(ctx, testQueryID, b)
	pool.Remove("trino-1")

	_, err = m.Resolve(ctx, testQueryID)
	assert.ErrorIs(t, err, ErrUnknownQuery)
}

func TestBindConflictKeepsFirst(t *testing.T) {
	first := routableBackend(t, "first", "adhoc", 0)
	second := routableBackend(t, "second", "adhoc", 0)

	pool, err := cluster.NewPool(first, second)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool})
	defer m.Close()
	ctx := context.Background()

	m.Bind(ctx, testQueryID, first)
	m.Bind(ctx, testQueryID, second)

	resolved, err := m.Resolve(ctx, testQueryID)
	require.NoError(t, err)
	assert.Equal(t, "first", resolved.Name())
}

func TestEvictAfterGrace(t *testing.T) {
	b := routableBackend(t, "trino-1", "adhoc", 0)
	pool, err := cluster.NewPool(b)
	require.NoError(t, err)

	m := NewManager(Options{Pool: pool, TerminalGrace: 100 * time.Millisecond})
	defer m.Close()
	ctx := context.Background()

	m.Bind(ctx, testQueryID, b)
	m.Evict(testQueryID)

	// the binding survives the grace period
	resolved, err := m.Resolve(ctx, testQueryID)
	require.NoError(t, err)
	assert.Equal(t, "trino-1", resolved.Name())

	assert.Eventually(t, func() bool {
		_, err := m.Resolve(ctx, testQueryID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
