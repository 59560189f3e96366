package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinogate/trinogate/cluster"
)

func TestBackendFlagsSet(t *testing.T) {
	var b backendFlags
	require.NoError(t, b.Set("name=trino-1,proxy-to=http://trino-1.internal:8080"))
	require.NoError(t, b.Set("name=trino-2,proxy-to=http://trino-2.internal:8080,group=etl,inactive=true"))

	require.Len(t, b, 2)
	assert.Equal(t, "trino-1", b[0].Name)
	assert.Equal(t, cluster.BackendOptions{
		Name:         "trino-2",
		ProxyTo:      "http://trino-2.internal:8080",
		RoutingGroup: "etl",
		Inactive:     true,
	}, b[1])
}

func TestBackendFlagsSetInvalid(t *testing.T) {
	for _, value := range []string{
		"trino-1",
		"color=blue",
		"name=trino-1,inactive=maybe",
	} {
		var b backendFlags
		assert.Error(t, b.Set(value), value)
	}
}

func TestBackendFlagsString(t *testing.T) {
	var b backendFlags
	require.NoError(t, b.Set("name=trino-1,proxy-to=http://trino-1.internal:8080"))
	assert.Equal(t, "trino-1=http://trino-1.internal:8080", b.String())
}
