// Package config maps command line flags and an optional YAML
// configuration file to the gateway options. Flags and file describe
// the same keys, values given on the command line win.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	log "github.com/sirupsen/logrus"

	"github.com/trinogate/trinogate"
	"github.com/trinogate/trinogate/cluster"
	"github.com/trinogate/trinogate/rules"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// listeners:
	Address         string `yaml:"address"`
	CertPathTLS     string `yaml:"tls-cert"`
	KeyPathTLS      string `yaml:"tls-key"`
	SupportListener string `yaml:"support-listener"`
	ExternalURL     string `yaml:"external-url"`

	// backends and routing:
	Backends             backendFlags  `yaml:"backends"`
	DefaultRoutingGroup  string        `yaml:"default-routing-group"`
	ProbeInterval        time.Duration `yaml:"probe-interval"`
	ProbeTimeout         time.Duration `yaml:"probe-timeout"`
	RulesEngineEnabled   bool          `yaml:"rules-engine-enabled"`
	RulesConfigPath      string        `yaml:"rules-config-path"`
	RoutingGroupSelector string        `yaml:"routing-group-selector"`
	BindingTTL           time.Duration `yaml:"binding-ttl"`
	TerminalGrace        time.Duration `yaml:"terminal-grace"`

	// shared binding store:
	EnableRedisStore bool      `yaml:"enable-redis-store"`
	RedisAddrs       multiFlag `yaml:"redis-addrs"`
	RedisPassword    string    `yaml:"redis-password"`

	// query history:
	QueryHistorySize int `yaml:"query-history-size"`

	// backend connections:
	TimeoutBackend               time.Duration `yaml:"timeout-backend"`
	KeepaliveBackend             time.Duration `yaml:"keepalive-backend"`
	TLSHandshakeTimeoutBackend   time.Duration `yaml:"tls-handshake-timeout-backend"`
	ResponseHeaderTimeoutBackend time.Duration `yaml:"response-header-timeout-backend"`
	MaxIdleConnsBackend          int           `yaml:"idle-conns-num"`
	CloseIdleConnsPeriod         time.Duration `yaml:"close-idle-conns-period"`
	BackendFlushInterval         time.Duration `yaml:"backend-flush-interval"`
	Insecure                     bool          `yaml:"insecure"`

	// logging, metrics:
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`
	MetricsPrefix             string    `yaml:"metrics-prefix"`
	RuntimeMetrics            bool      `yaml:"runtime-metrics"`
}

func NewConfig() *Config {
	cfg := new(Config)

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// listeners:
	flag.StringVar(&cfg.Address, "address", ":8080", "network address the gateway listens on for Trino client traffic")
	flag.StringVar(&cfg.CertPathTLS, "tls-cert", "", "path to the certificate file of the client listener")
	flag.StringVar(&cfg.KeyPathTLS, "tls-key", "", "path to the private key file of the client listener")
	flag.StringVar(&cfg.SupportListener, "support-listener", ":9090", "network address of the /metrics, /health and read-only API endpoints. An empty value disables the support endpoints.")
	flag.StringVar(&cfg.ExternalURL, "external-url", "", "URL clients use to reach the gateway, replaces the coordinator URIs in responses. Required.")

	// backends and routing:
	flag.Var(&cfg.Backends, "backend", backendUsage)
	flag.StringVar(&cfg.DefaultRoutingGroup, "default-routing-group", cluster.DefaultRoutingGroup, "routing group used when no group was selected for a query")
	flag.DurationVar(&cfg.ProbeInterval, "probe-interval", 5*time.Second, "interval between backend health probe rounds")
	flag.DurationVar(&cfg.ProbeTimeout, "probe-timeout", time.Second, "timeout of a single backend health probe")
	flag.BoolVar(&cfg.RulesEngineEnabled, "rules-engine-enabled", false, "enable routing group selection by the routing rules engine")
	flag.StringVar(&cfg.RulesConfigPath, "rules-config-path", "", "path to the routing rules file, required when the rules engine is enabled")
	flag.StringVar(&cfg.RoutingGroupSelector, "routing-group-selector", "", "routing group selection strategy: header, rules or header-with-rules-fallback. Defaults to rules when the rules engine is enabled, header otherwise.")
	flag.DurationVar(&cfg.BindingTTL, "binding-ttl", time.Hour, "idle lifetime of a query to backend binding")
	flag.DurationVar(&cfg.TerminalGrace, "terminal-grace", 15*time.Second, "delay of the binding eviction after a query reached a terminal state")

	// shared binding store:
	flag.BoolVar(&cfg.EnableRedisStore, "enable-redis-store", false, "keep the query bindings in a Redis ring shared by all gateway instances")
	flag.Var(&cfg.RedisAddrs, "redis-addr", "a Redis ring shard address, repeat the flag for multiple shards")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "password of the Redis ring shards")

	// query history:
	flag.IntVar(&cfg.QueryHistorySize, "query-history-size", 0, "number of query submissions kept in the in-memory history ring, 0 means the default of 1000")

	// backend connections:
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", 30*time.Second, "connection dial timeout for the backends")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", 30*time.Second, "connection keepalive for the backends")
	flag.DurationVar(&cfg.TLSHandshakeTimeoutBackend, "tls-handshake-timeout-backend", 10*time.Second, "TLS handshake timeout for the backend connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeoutBackend, "response-header-timeout-backend", time.Minute, "maximum wait for a backend's response header, the response body is not limited")
	flag.IntVar(&cfg.MaxIdleConnsBackend, "idle-conns-num", 0, "maximum idle connections kept per backend, 0 means the default of 64")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", 20*time.Second, "period of the forced idle backend connection teardown")
	flag.DurationVar(&cfg.BackendFlushInterval, "backend-flush-interval", 20*time.Millisecond, "period of flushing streamed response data to the client")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip the TLS certificate verification of the backends")

	// logging, metrics:
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix of the application log entries")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level of the application log: DEBUG, INFO, WARN or ERROR")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "disable the access log")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "print the access log entries as JSON instead of the Apache combined format")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "trinogate", "prefix of the exposed metrics keys")
	flag.BoolVar(&cfg.RuntimeMetrics, "runtime-metrics", false, "expose Go runtime and process metrics")

	cfg.Flags = flag
	return cfg
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		if err := yaml.Unmarshal(yamlFile, c); err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// flags win over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	return nil
}

func validate(c *Config) error {
	if c.ExternalURL == "" {
		return fmt.Errorf("external-url is required")
	}

	if u, err := url.Parse(c.ExternalURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid external-url: %s", c.ExternalURL)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	for _, b := range c.Backends {
		if b.Name == "" || b.ProxyTo == "" {
			return fmt.Errorf("backend requires a name and a proxy-to URL: %+v", b)
		}

		if u, err := url.Parse(b.ProxyTo); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend %s: invalid proxy-to URL: %s", b.Name, b.ProxyTo)
		}
	}

	switch c.RoutingGroupSelector {
	case "", rules.SelectorHeader, rules.SelectorRules, rules.SelectorHeaderFirst:
	default:
		return fmt.Errorf("invalid routing-group-selector: %s", c.RoutingGroupSelector)
	}

	if c.RulesEngineEnabled && c.RulesConfigPath == "" {
		return fmt.Errorf("rules-config-path is required when the rules engine is enabled")
	}

	if c.EnableRedisStore && len(c.RedisAddrs) == 0 {
		return fmt.Errorf("redis-addr is required when the Redis store is enabled")
	}

	if _, err := log.ParseLevel(c.ApplicationLogLevelString); err != nil {
		return fmt.Errorf("invalid application-log-level: %s", c.ApplicationLogLevelString)
	}

	return nil
}

func (c *Config) ToOptions() trinogate.Options {
	backends := make([]cluster.BackendOptions, len(c.Backends))
	copy(backends, c.Backends)

	return trinogate.Options{
		Address:                      c.Address,
		CertPathTLS:                  c.CertPathTLS,
		KeyPathTLS:                   c.KeyPathTLS,
		ExternalURL:                  c.ExternalURL,
		Backends:                     backends,
		DefaultRoutingGroup:          c.DefaultRoutingGroup,
		ProbeInterval:                c.ProbeInterval,
		ProbeTimeout:                 c.ProbeTimeout,
		RulesEngineEnabled:           c.RulesEngineEnabled,
		RulesPath:                    c.RulesConfigPath,
		RoutingGroupSelector:         c.RoutingGroupSelector,
		BindingTTL:                   c.BindingTTL,
		TerminalGrace:                c.TerminalGrace,
		EnableRedisStore:             c.EnableRedisStore,
		RedisAddrs:                   c.RedisAddrs,
		RedisPassword:                c.RedisPassword,
		QueryHistorySize:             c.QueryHistorySize,
		SupportListener:              c.SupportListener,
		MetricsPrefix:                c.MetricsPrefix,
		EnableRuntimeMetrics:         c.RuntimeMetrics,
		TimeoutBackend:               c.TimeoutBackend,
		KeepaliveBackend:             c.KeepaliveBackend,
		TLSHandshakeTimeoutBackend:   c.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeoutBackend: c.ResponseHeaderTimeoutBackend,
		MaxIdleConnsBackend:          c.MaxIdleConnsBackend,
		CloseIdleConnsPeriod:         c.CloseIdleConnsPeriod,
		BackendFlushInterval:         c.BackendFlushInterval,
		Insecure:                     c.Insecure,
		ApplicationLogPrefix:         c.ApplicationLogPrefix,
		ApplicationLogLevel:          c.ApplicationLogLevelString,
		AccessLogDisabled:            c.AccessLogDisabled,
		AccessLogJSONEnabled:         c.AccessLogJSONEnabled,
	}
}

type multiFlag []string

func (f *multiFlag) String() string {
	return fmt.Sprint([]string(*f))
}

func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func (f *multiFlag) UnmarshalYAML(unmarshal func(any) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}
	*f = values
	return nil
}
