package cluster

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
	tnet "github.com/trinogate/trinogate/net"
	"github.com/trinogate/trinogate/trino"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = time.Second

	statsPath = "/ui/api/stats"
)

// MonitorOptions configures the health monitor.
type MonitorOptions struct {
	Pool *Pool

	// Interval between probe rounds. Defaults to 5s.
	Interval time.Duration

	// Timeout bounds each probe. Defaults to 1s.
	Timeout time.Duration

	// Transport used for probe requests. Defaults to a transport
	// whose idle connections are released when the monitor closes.
	Transport *tnet.Transport

	// Log defaults to the application log.
	Log logging.Logger

	// Metrics defaults to the global metrics instance.
	Metrics metrics.Metrics
}

// Monitor refreshes the health snapshot of every backend in the pool
// on a fixed interval. Backends are probed concurrently, a hanging
// backend delays only its own snapshot.
type Monitor struct {
	pool     *Pool
	interval time.Duration
	timeout  time.Duration
	client   *tnet.Transport
	log      logging.Logger
	metrics  metrics.Metrics

	quit      chan struct{}
	done      chan struct{}
	started   bool
	closeOnce sync.Once
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(o MonitorOptions) *Monitor {
	if o.Interval <= 0 {
		o.Interval = defaultProbeInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultProbeTimeout
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	quit := make(chan struct{})
	if o.Transport == nil {
		o.Transport = tnet.NewTransport(tnet.Options{
			Timeout:             o.Timeout,
			MaxIdleConnsPerHost: 2,
		}, quit)
	}

	return &Monitor{
		pool:     o.Pool,
		interval: o.Interval,
		timeout:  o.Timeout,
		client:   o.Transport,
		log:      o.Log,
		metrics:  o.Metrics,
		quit:     quit,
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. The first round runs immediately so
// that routing decisions have fresh snapshots right after startup.
func (m *Monitor) Start() {
	m.started = true
	go m.loop()
}

// Close stops the probe loop and waits for in-flight probes to finish.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})

	if m.started {
		<-m.done
	}
}

func (m *Monitor) loop() {
	defer close(m.done)

	m.probeAll()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) probeAll() {
	backends := m.pool.All()

	var wg sync.WaitGroup
	wg.Add(len(backends))
	for _, b := range backends {
		go func(b *Backend) {
			defer wg.Done()
			m.probe(b)
		}(b)
	}
	wg.Wait()
}

func (m *Monitor) probe(b *Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	prev := b.Health()
	next := HealthSnapshot{ProbedAt: time.Now()}
	next.Reachable = m.probeInfo(ctx, b)

	if next.Reachable {
		if queued, running, ok := m.probeStats(ctx, b); ok {
			next.QueuedQueries, next.RunningQueries = queued, running
		} else {
			// keep the previous depth rather than pretending the
			// backend drained
			next.QueuedQueries, next.RunningQueries = prev.QueuedQueries, prev.RunningQueries
		}
	}

	b.UpdateHealth(next)

	m.metrics.IncProbe(b.Name(), next.Reachable)
	m.metrics.UpdateBackendHealth(b.Name(), next.Reachable)
	m.metrics.UpdateBackendQueue(b.Name(), next.QueuedQueries, next.RunningQueries)

	if prev.Reachable != next.Reachable && !prev.ProbedAt.IsZero() {
		if next.Reachable {
			m.log.Infof("backend %s is reachable again", b.Name())
		} else {
			m.log.Warnf("backend %s became unreachable", b.Name())
		}
	}
}

// probeInfo fetches the coordinator info document. The backend counts
// as reachable when it responds 200 and reports that it finished
// starting up.
func (m *Monitor) probeInfo(ctx context.Context, b *Backend) bool {
	body, ok := m.fetch(ctx, b, trino.InfoPath)
	if !ok {
		return false
	}
	return !gjson.GetBytes(body, "starting").Bool()
}

// probeStats fetches the queue depth from the coordinator UI. The UI
// may be disabled or protected, failures only mean the depth stays
// unknown.
func (m *Monitor) probeStats(ctx context.Context, b *Backend) (queued, running int64, ok bool) {
	body, ok := m.fetch(ctx, b, statsPath)
	if !ok {
		return 0, 0, false
	}

	res := gjson.ParseBytes(body)
	return res.Get("queuedQueries").Int(), res.Get("runningQueries").Int(), true
}

func (m *Monitor) fetch(ctx context.Context, b *Backend, path string) ([]byte, bool) {
	u := *b.ProxyTo()
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		m.log.Errorf("failed to create probe request for %s: %v", b.Name(), err)
		return nil, false
	}

	rsp, err := m.client.Do(req, nil, "probe")
	if err != nil {
		m.log.Debugf("probe %s%s: %v", b.Name(), path, err)
		return nil, false
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		m.log.Debugf("probe %s%s: status %d", b.Name(), path, rsp.StatusCode)
		io.Copy(io.Discard, rsp.Body)
		return nil, false
	}

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		m.log.Debugf("probe %s%s: read: %v", b.Name(), path, err)
		return nil, false
	}

	return body, true
}
