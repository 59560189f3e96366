package trinogate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/trinogate/trinogate/cluster"
	"github.com/trinogate/trinogate/history"
	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
	"github.com/trinogate/trinogate/proxy"
	"github.com/trinogate/trinogate/routing"
	"github.com/trinogate/trinogate/rules"
)

const defaultRecentQueries = 100

// Options to start trinogate. Expects the address to listen on, the
// external URL the gateway is reachable under and one or more Trino
// backends to route to.
type Options struct {

	// Address to listen on for client traffic. Defaults to :8080.
	Address string

	// CertPathTLS and KeyPathTLS enable TLS termination on the client
	// listener when both are set.
	CertPathTLS string
	KeyPathTLS  string

	// ExternalURL is the URL clients use to reach the gateway. It
	// replaces the coordinator URIs in proxied responses. Required.
	ExternalURL string

	// Backends seed the cluster pool.
	Backends []cluster.BackendOptions

	// DefaultRoutingGroup receives queries without a selected group.
	// Defaults to "adhoc".
	DefaultRoutingGroup string

	// ProbeInterval between backend health probe rounds. Defaults to
	// 5s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single health probe. Defaults to 1s.
	ProbeTimeout time.Duration

	// RulesEngineEnabled turns on rule based routing group selection.
	RulesEngineEnabled bool

	// RulesPath is the routing rules file, required when the rules
	// engine is enabled. The file is watched and reloaded on change.
	RulesPath string

	// RoutingGroupSelector is one of "header", "rules" and
	// "header-with-rules-fallback". When empty, "rules" is used if
	// the rules engine is enabled, "header" otherwise.
	RoutingGroupSelector string

	// BindingTTL is the idle lifetime of a query binding. Defaults to
	// one hour.
	BindingTTL time.Duration

	// TerminalGrace delays binding eviction after a query reached a
	// terminal state. Defaults to 15s.
	TerminalGrace time.Duration

	// EnableRedisStore keeps the query bindings in a Redis ring
	// instead of gateway memory, shared by all gateway instances.
	EnableRedisStore bool
	RedisAddrs       []string
	RedisPassword    string

	// QueryHistorySize bounds the in-memory query history ring.
	// Defaults to 1000.
	QueryHistorySize int

	// SupportListener serves /metrics, /health and the read-only
	// gateway API. An empty value disables it. Defaults to :9090.
	SupportListener string

	// MetricsPrefix for the exposed metrics keys. Defaults to
	// "trinogate".
	MetricsPrefix string

	// EnableRuntimeMetrics adds Go runtime and process metrics.
	EnableRuntimeMetrics bool

	// TimeoutBackend is the connection dial timeout. Defaults to 30s.
	TimeoutBackend time.Duration

	// KeepaliveBackend for the backend connections. Defaults to 30s.
	KeepaliveBackend time.Duration

	// TLSHandshakeTimeoutBackend bounds the TLS handshake with a
	// backend. Defaults to 10s.
	TLSHandshakeTimeoutBackend time.Duration

	// ResponseHeaderTimeoutBackend bounds the wait for a backend's
	// response header. Defaults to 60s.
	ResponseHeaderTimeoutBackend time.Duration

	// MaxIdleConnsBackend caps the idle connections kept per backend.
	MaxIdleConnsBackend int

	// CloseIdleConnsPeriod is the interval of forced idle connection
	// teardown. Defaults to 20s.
	CloseIdleConnsPeriod time.Duration

	// BackendFlushInterval of streamed response data. Defaults to
	// 20ms.
	BackendFlushInterval time.Duration

	// Insecure skips the TLS certificate verification of backends.
	Insecure bool

	// ApplicationLogPrefix is prepended to application log entries.
	ApplicationLogPrefix string

	// ApplicationLogLevel of the application log: "debug", "info",
	// "warn" or "error".
	ApplicationLogLevel string

	// AccessLogDisabled turns the access log off.
	AccessLogDisabled bool

	// AccessLogJSONEnabled prints access log entries as JSON instead
	// of the Apache combined format.
	AccessLogJSONEnabled bool
}

// Gateway bundles the running parts: the client listener serving the
// proxy, the support listener, the health monitor and the rules
// watcher.
type Gateway struct {
	server    *http.Server
	support   *http.Server
	pool      *cluster.Pool
	monitor   *cluster.Monitor
	engine    *rules.Engine
	watcher   *rules.Watcher
	router  *routing.Manager
	proxy   *proxy.Proxy
	history *history.Ring
	log     logging.Logger
	sighup  chan os.Signal
	wg      *sync.WaitGroup
}

// New creates a gateway according to the options. The monitor and the
// rules watcher stay idle until StartUpdates is called.
func New(o Options) (*Gateway, error) {
	if err := logging.Init(logging.Options{
		ApplicationLogPrefix: o.ApplicationLogPrefix,
		ApplicationLogLevel:  o.ApplicationLogLevel,
		AccessLogDisabled:    o.AccessLogDisabled,
		AccessLogJSONEnabled: o.AccessLogJSONEnabled,
	}); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	log := &logging.DefaultLog{}

	if o.ExternalURL == "" {
		return nil, fmt.Errorf("external url required")
	}

	externalURL, err := url.Parse(o.ExternalURL)
	if err != nil {
		return nil, fmt.Errorf("external url: %w", err)
	}

	m := metrics.Init(metrics.Options{
		Prefix:               o.MetricsPrefix,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
	})

	backends := make([]*cluster.Backend, 0, len(o.Backends))
	for _, bo := range o.Backends {
		b, err := cluster.NewBackend(bo)
		if err != nil {
			return nil, err
		}

		backends = append(backends, b)
	}

	pool, err := cluster.NewPool(backends...)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		pool: pool,
		log:  log,
		wg:   &sync.WaitGroup{},
	}

	g.monitor = cluster.NewMonitor(cluster.MonitorOptions{
		Pool:     pool,
		Interval: o.ProbeInterval,
		Timeout:  o.ProbeTimeout,
		Log:      log,
		Metrics:  m,
	})

	if o.RulesEngineEnabled {
		g.engine, err = rules.NewEngine(rules.EngineOptions{
			Path:    o.RulesPath,
			Log:     log,
			Metrics: m,
		})
		if err != nil {
			return nil, err
		}
	}

	selectorKind := o.RoutingGroupSelector
	if selectorKind == "" {
		selectorKind = rules.SelectorHeader
		if o.RulesEngineEnabled {
			selectorKind = rules.SelectorRules
		}
	}

	selector, err := rules.NewSelector(selectorKind, g.engine)
	if err != nil {
		return nil, err
	}

	var store routing.Store
	if o.EnableRedisStore {
		store, err = routing.NewRedisStore(routing.RedisStoreOptions{
			Addrs:    o.RedisAddrs,
			Password: o.RedisPassword,
			TTL:      o.BindingTTL,
			Log:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("redis binding store: %w", err)
		}
	} else {
		store = routing.NewMemoryStore(routing.MemoryStoreOptions{
			TTL:     o.BindingTTL,
			Metrics: m,
		})
	}

	g.router = routing.NewManager(routing.Options{
		Pool:          pool,
		Store:         store,
		DefaultGroup:  o.DefaultRoutingGroup,
		TerminalGrace: o.TerminalGrace,
		Log:           log,
		Metrics:       m,
	})

	g.history = history.NewRing(history.RingOptions{
		Size:    o.QueryHistorySize,
		Log:     log,
		Metrics: m,
	})

	g.proxy = proxy.WithParams(proxy.Params{
		Router:                 g.router,
		Selector:               selector,
		History:                g.history,
		ExternalURL:            externalURL,
		Timeout:                o.TimeoutBackend,
		KeepAlive:              o.KeepaliveBackend,
		TLSHandshakeTimeout:    o.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:  o.ResponseHeaderTimeoutBackend,
		Insecure:               o.Insecure,
		IdleConnectionsPerHost: o.MaxIdleConnsBackend,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
		FlushInterval:          o.BackendFlushInterval,
		AccessLogDisabled:      o.AccessLogDisabled,
		Log:                    log,
		Metrics:                m,
	})

	address := o.Address
	if address == "" {
		address = ":8080"
	}

	g.server = &http.Server{Addr: address, Handler: g.proxy}

	if o.SupportListener != "" {
		mux := http.NewServeMux()
		m.RegisterHandler("/metrics", mux)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/api/backends", backendsHandler{pool: pool})
		mux.Handle("/api/queries", queriesHandler{ring: g.history})
		g.support = &http.Server{Addr: o.SupportListener, Handler: mux}
	}

	return g, nil
}

// ServeHTTP serves a client request through the proxy.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.proxy.ServeHTTP(w, r)
}

// StartUpdates starts the backend health monitor, the rules file
// watcher and the SIGHUP triggered rules reload.
func (g *Gateway) StartUpdates() {
	g.monitor.Start()

	if g.engine == nil {
		return
	}

	w, err := rules.Watch(g.engine, g.log)
	if err != nil {
		g.log.Errorf("cannot watch the rules file, reload on SIGHUP only: %v", err)
	} else {
		g.watcher = w
	}

	g.sighup = make(chan os.Signal, 1)
	signal.Notify(g.sighup, syscall.SIGHUP)
	go func() {
		for range g.sighup {
			if err := g.engine.Reload(); err != nil {
				g.log.Errorf("rules reload failed: %v", err)
			}
		}
	}()
}

// StopUpdates stops the health monitor and the rules watcher.
func (g *Gateway) StopUpdates() {
	g.monitor.Close()

	if g.watcher != nil {
		g.watcher.Stop()
	}

	if g.sighup != nil {
		signal.Stop(g.sighup)
		close(g.sighup)
	}
}

func newShutdownFunc(g *Gateway) func(delay time.Duration) {
	once := &sync.Once{}
	g.wg.Add(1)

	return func(delay time.Duration) {
		once.Do(func() {
			defer g.wg.Done()
			defer g.StopUpdates()

			g.log.Infof("shutting down the gateway in %s...", delay)
			time.Sleep(delay)

			if g.support != nil {
				if err := g.support.Shutdown(context.Background()); err != nil {
					g.log.Errorf("unable to shut down the support listener: %v", err)
				}
			}

			if err := g.server.Shutdown(context.Background()); err != nil {
				g.log.Errorf("unable to shut down the listener: %v", err)
			}

			g.proxy.Close()
			g.router.Close()
			g.history.Close()
			g.log.Infof("gateway shut down")
		})
	}
}

// Run starts a gateway set up according to the options. It is a
// blocking call designed to be the single entry point when running the
// gateway as a standalone binary. It returns when the listener is
// closed, due to a startup error or a gracefully handled SIGTERM or
// SIGINT. In case of a startup error, the error is returned as is.
func Run(o Options) error {
	g, err := New(o)
	if err != nil {
		return err
	}

	shutdown := newShutdownFunc(g)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		shutdown(0)
	}()

	g.StartUpdates()

	if g.support != nil {
		g.log.Infof("support listener on %s", g.support.Addr)
		go func() {
			if err := g.support.ListenAndServe(); err != http.ErrServerClosed {
				g.log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	g.log.Infof("listening on %s, routing to %d backends", g.server.Addr, len(g.pool.All()))
	if err = listenAndServe(g.server, o); err != http.ErrServerClosed {
		go shutdown(0)
	} else {
		err = nil
	}

	g.wg.Wait()

	return err
}

func listenAndServe(s *http.Server, o Options) error {
	if o.CertPathTLS != "" && o.KeyPathTLS != "" {
		return s.ListenAndServeTLS(o.CertPathTLS, o.KeyPathTLS)
	}

	return s.ListenAndServe()
}

type backendStatus struct {
	Name           string    `json:"name"`
	ProxyTo        string    `json:"proxyTo"`
	ExternalURL    string    `json:"externalUrl"`
	RoutingGroup   string    `json:"routingGroup"`
	Active         bool      `json:"active"`
	Healthy        bool      `json:"healthy"`
	QueuedQueries  int64     `json:"queuedQueries"`
	RunningQueries int64     `json:"runningQueries"`
	ProbedAt       time.Time `json:"probedAt,omitempty"`
}

// backendsHandler reports every configured backend with its latest
// health snapshot.
type backendsHandler struct {
	pool *cluster.Pool
}

func (h backendsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	all := h.pool.All()
	statuses := make([]backendStatus, 0, len(all))
	for _, b := range all {
		health := b.Health()
		statuses = append(statuses, backendStatus{
			Name:           b.Name(),
			ProxyTo:        b.ProxyTo().String(),
			ExternalURL:    b.ExternalURL().String(),
			RoutingGroup:   b.RoutingGroup(),
			Active:         b.Active(),
			Healthy:        health.Reachable,
			QueuedQueries:  health.QueuedQueries,
			RunningQueries: health.RunningQueries,
			ProbedAt:       health.ProbedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

// queriesHandler reports the recent query submissions, newest first.
// The limit parameter caps the number of returned entries.
type queriesHandler struct {
	ring *history.Ring
}

func (h queriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := defaultRecentQueries
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid limit: %s", s)
			return
		}

		limit = v
	}

	entries := h.ring.Recent(limit)
	if entries == nil {
		entries = []history.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
