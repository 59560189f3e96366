package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinogate/trinogate/cluster"
)

func validArgs(extra ...string) []string {
	args := []string{
		"-external-url=http://gateway.example.org",
		"-backend", "name=trino-1,proxy-to=http://trino-1.internal:8080",
	}

	return append(args, extra...)
}

func TestParseArgsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("trinogate", validArgs()))

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, ":9090", cfg.SupportListener)
	assert.Equal(t, "adhoc", cfg.DefaultRoutingGroup)
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval)
	assert.Equal(t, time.Second, cfg.ProbeTimeout)
	assert.Equal(t, time.Hour, cfg.BindingTTL)
	assert.Equal(t, 15*time.Second, cfg.TerminalGrace)
	assert.Equal(t, "trinogate", cfg.MetricsPrefix)
	assert.False(t, cfg.RulesEngineEnabled)
}

func TestParseArgsBackends(t *testing.T) {
	cfg := NewConfig()
	err := cfg.ParseArgs("trinogate", validArgs(
		"-backend", "name=trino-2,proxy-to=http://trino-2.internal:8080,external-url=http://trino-2.example.org,group=etl,inactive=true",
	))
	require.NoError(t, err)

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, cluster.BackendOptions{
		Name:    "trino-1",
		ProxyTo: "http://trino-1.internal:8080",
	}, cfg.Backends[0])
	assert.Equal(t, cluster.BackendOptions{
		Name:         "trino-2",
		ProxyTo:      "http://trino-2.internal:8080",
		ExternalURL:  "http://trino-2.example.org",
		RoutingGroup: "etl",
		Inactive:     true,
	}, cfg.Backends[1])
}

func TestValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		args []string
	}{
		{"missing external url", []string{
			"-backend", "name=trino-1,proxy-to=http://trino-1.internal:8080",
		}},
		{"invalid external url", []string{
			"-external-url=gateway.example.org",
			"-backend", "name=trino-1,proxy-to=http://trino-1.internal:8080",
		}},
		{"no backends", []string{
			"-external-url=http://gateway.example.org",
		}},
		{"backend without name", []string{
			"-external-url=http://gateway.example.org",
			"-backend", "proxy-to=http://trino-1.internal:8080",
		}},
		{"backend with invalid url", []string{
			"-external-url=http://gateway.example.org",
			"-backend", "name=trino-1,proxy-to=trino-1.internal",
		}},
		{"unknown selector", validArgs("-routing-group-selector=random")},
		{"rules engine without path", validArgs("-rules-engine-enabled")},
		{"redis store without addresses", validArgs("-enable-redis-store")},
		{"bad log level", validArgs("-application-log-level=chatty")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			assert.Error(t, cfg.ParseArgs("trinogate", tt.args))
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trinogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
external-url: http://gateway.example.org
rules-engine-enabled: true
rules-config-path: /etc/trinogate/rules.yaml
binding-ttl: 30m
redis-addrs:
  - redis-1:6379
  - redis-2:6379
backends:
  - name: trino-1
    proxy-to: http://trino-1.internal:8080
    group: adhoc
  - name: trino-2
    proxy-to: http://trino-2.internal:8080
    external-url: http://trino-2.example.org
    group: etl
`), 0o644))

	cfg := NewConfig()
	err := cfg.ParseArgs("trinogate", []string{
		"-config-file=" + path,
		// the command line wins over the file
		"-binding-ttl=45m",
	})
	require.NoError(t, err)

	assert.True(t, cfg.RulesEngineEnabled)
	assert.Equal(t, "/etc/trinogate/rules.yaml", cfg.RulesConfigPath)
	assert.Equal(t, 45*time.Minute, cfg.BindingTTL)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, []string(cfg.RedisAddrs))

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "trino-2", cfg.Backends[1].Name)
	assert.Equal(t, "http://trino-2.example.org", cfg.Backends[1].ExternalURL)
	assert.Equal(t, "etl", cfg.Backends[1].RoutingGroup)
}

func TestToOptions(t *testing.T) {
	cfg := NewConfig()
	err := cfg.ParseArgs("trinogate", validArgs(
		"-address=:8443",
		"-rules-engine-enabled",
		"-rules-config-path=/etc/trinogate/rules.yaml",
		"-routing-group-selector=header-with-rules-fallback",
		"-application-log-level=DEBUG",
	))
	require.NoError(t, err)

	o := cfg.ToOptions()
	assert.Equal(t, ":8443", o.Address)
	assert.Equal(t, "http://gateway.example.org", o.ExternalURL)
	assert.True(t, o.RulesEngineEnabled)
	assert.Equal(t, "/etc/trinogate/rules.yaml", o.RulesPath)
	assert.Equal(t, "header-with-rules-fallback", o.RoutingGroupSelector)
	assert.Equal(t, "DEBUG", o.ApplicationLogLevel)
	require.Len(t, o.Backends, 1)
	assert.Equal(t, "trino-1", o.Backends[0].Name)
}

func TestInvalidArguments(t *testing.T) {
	cfg := NewConfig()
	assert.Error(t, cfg.ParseArgs("trinogate", validArgs("stray")))
}
