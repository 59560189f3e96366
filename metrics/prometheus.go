package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace        = "trinogate"
	promServeSubsystem   = "serve"
	promBackendSubsystem = "backend"
	promRoutingSubsystem = "routing"
	promRulesSubsystem   = "rules"
	promClusterSubsystem = "cluster"
	promCustomSubsystem  = "custom"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	serveM           *prometheus.HistogramVec
	backendM         *prometheus.HistogramVec
	backendCombinedM *prometheus.HistogramVec
	backendErrorsM   *prometheus.CounterVec
	streamingErrorsM *prometheus.CounterVec
	routingM         *prometheus.HistogramVec
	routingErrorsM   prometheus.Counter
	bindingOpsM      *prometheus.CounterVec
	bindingsM        prometheus.Gauge
	ruleErrorsM      *prometheus.CounterVec
	rulesReloadsM    *prometheus.CounterVec
	probesM          *prometheus.CounterVec
	backendUpM       *prometheus.GaugeVec
	backendQueuedM   *prometheus.GaugeVec
	backendRunningM  *prometheus.GaugeVec
	customHistogramM *prometheus.HistogramVec
	customCounterM   *prometheus.CounterVec
	customGaugeM     *prometheus.GaugeVec

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	opts = applyDefaultDimensions(opts)

	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	serve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of serving a client exchange.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"class", "method", "code"})

	backend := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promBackendSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a backend roundtrip.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"backend"})

	backendCombined := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promBackendSubsystem,
		Name:      "combined_duration_seconds",
		Help:      "Duration in seconds of backend roundtrips combined over all backends.",
		Buckets:   opts.HistogramBuckets,
	}, []string{})

	backendErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promBackendSubsystem,
		Name:      "error_total",
		Help:      "Total number of backend roundtrip errors.",
	}, []string{"backend"})

	streamingErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promBackendSubsystem,
		Name:      "streaming_error_total",
		Help:      "Total number of errors streaming a backend response to the client.",
	}, []string{"backend"})

	routing := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promRoutingSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a routing decision.",
		Buckets:   opts.HistogramBuckets,
	}, []string{})

	routingErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRoutingSubsystem,
		Name:      "error_total",
		Help:      "Total number of requests with no routable backend.",
	})

	bindingOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRoutingSubsystem,
		Name:      "binding_operations_total",
		Help:      "Total number of query binding operations by kind.",
	}, []string{"op"})

	bindings := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promRoutingSubsystem,
		Name:      "bindings",
		Help:      "Current number of live query bindings.",
	})

	ruleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRulesSubsystem,
		Name:      "evaluation_error_total",
		Help:      "Total number of rule predicate or action evaluation errors.",
	}, []string{"rule"})

	rulesReloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRulesSubsystem,
		Name:      "reload_total",
		Help:      "Total number of rule set reloads by result.",
	}, []string{"result"})

	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promClusterSubsystem,
		Name:      "probe_total",
		Help:      "Total number of backend health probes by result.",
	}, []string{"backend", "result"})

	backendUp := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promClusterSubsystem,
		Name:      "backend_up",
		Help:      "Whether the backend's last health probe succeeded.",
	}, []string{"backend"})

	backendQueued := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promClusterSubsystem,
		Name:      "backend_queued_queries",
		Help:      "Queued query count reported by the backend.",
	}, []string{"backend"})

	backendRunning := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promClusterSubsystem,
		Name:      "backend_running_queries",
		Help:      "Running query count reported by the backend.",
	}, []string{"backend"})

	customCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "total",
		Help:      "Total number of custom metrics.",
	}, []string{"key"})

	customGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "gauges",
		Help:      "Gauges number of custom metrics.",
	}, []string{"key"})

	customHistogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of custom metrics.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"key"})

	p := &Prometheus{
		serveM:           serve,
		backendM:         backend,
		backendCombinedM: backendCombined,
		backendErrorsM:   backendErrors,
		streamingErrorsM: streamingErrors,
		routingM:         routing,
		routingErrorsM:   routingErrors,
		bindingOpsM:      bindingOps,
		bindingsM:        bindings,
		ruleErrorsM:      ruleErrors,
		rulesReloadsM:    rulesReloads,
		probesM:          probes,
		backendUpM:       backendUp,
		backendQueuedM:   backendQueued,
		backendRunningM:  backendRunning,
		customCounterM:   customCounter,
		customGaugeM:     customGauge,
		customHistogramM: customHistogram,

		registry: opts.PrometheusRegistry,
		opts:     opts,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registerMetrics()
	return p
}

// sinceS returns the seconds passed since the start time until now.
func (p *Prometheus) sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func (p *Prometheus) registerMetrics() {
	p.registry.MustRegister(p.serveM)
	p.registry.MustRegister(p.backendM)
	p.registry.MustRegister(p.backendCombinedM)
	p.registry.MustRegister(p.backendErrorsM)
	p.registry.MustRegister(p.streamingErrorsM)
	p.registry.MustRegister(p.routingM)
	p.registry.MustRegister(p.routingErrorsM)
	p.registry.MustRegister(p.bindingOpsM)
	p.registry.MustRegister(p.bindingsM)
	p.registry.MustRegister(p.ruleErrorsM)
	p.registry.MustRegister(p.rulesReloadsM)
	p.registry.MustRegister(p.probesM)
	p.registry.MustRegister(p.backendUpM)
	p.registry.MustRegister(p.backendQueuedM)
	p.registry.MustRegister(p.backendRunningM)
	p.registry.MustRegister(p.customCounterM)
	p.registry.MustRegister(p.customGaugeM)
	p.registry.MustRegister(p.customHistogramM)

	if p.opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler != nil {
		return p.handler
	}

	p.handler = p.CreateHandler()
	return p.handler
}

// RegisterHandler satisfies Metrics interface.
func (p *Prometheus) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, p.getHandler())
}

// MeasureServe satisfies Metrics interface.
func (p *Prometheus) MeasureServe(class, method string, code int, start time.Time) {
	method = measuredMethod(method)
	p.serveM.WithLabelValues(class, method, fmt.Sprint(code)).Observe(p.sinceS(start))
}

// MeasureBackend satisfies Metrics interface.
func (p *Prometheus) MeasureBackend(backend string, start time.Time) {
	t := p.sinceS(start)
	p.backendCombinedM.WithLabelValues().Observe(t)
	if p.opts.EnablePerBackendMetrics {
		p.backendM.WithLabelValues(hostForKey(backend)).Observe(t)
	}
}

// MeasureRouting satisfies Metrics interface.
func (p *Prometheus) MeasureRouting(start time.Time) {
	p.routingM.WithLabelValues().Observe(p.sinceS(start))
}

// IncRoutingFailures satisfies Metrics interface.
func (p *Prometheus) IncRoutingFailures() {
	p.routingErrorsM.Inc()
}

// IncErrorsBackend satisfies Metrics interface.
func (p *Prometheus) IncErrorsBackend(backend string) {
	if !p.opts.EnablePerBackendMetrics {
		backend = ""
	}
	p.backendErrorsM.WithLabelValues(hostForKey(backend)).Inc()
}

// IncErrorsStreaming satisfies Metrics interface.
func (p *Prometheus) IncErrorsStreaming(backend string) {
	if !p.opts.EnablePerBackendMetrics {
		backend = ""
	}
	p.streamingErrorsM.WithLabelValues(hostForKey(backend)).Inc()
}

// IncBindingOp satisfies Metrics interface.
func (p *Prometheus) IncBindingOp(op string) {
	p.bindingOpsM.WithLabelValues(op).Inc()
}

// UpdateBindings satisfies Metrics interface.
func (p *Prometheus) UpdateBindings(count int64) {
	p.bindingsM.Set(float64(count))
}

// IncRuleError satisfies Metrics interface.
func (p *Prometheus) IncRuleError(rule string) {
	if !p.opts.EnablePerRuleMetrics {
		rule = ""
	}
	p.ruleErrorsM.WithLabelValues(rule).Inc()
}

// IncRulesReload satisfies Metrics interface.
func (p *Prometheus) IncRulesReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.rulesReloadsM.WithLabelValues(result).Inc()
}

// IncProbe satisfies Metrics interface.
func (p *Prometheus) IncProbe(backend string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.probesM.WithLabelValues(hostForKey(backend), result).Inc()
}

// UpdateBackendHealth satisfies Metrics interface.
func (p *Prometheus) UpdateBackendHealth(backend string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	p.backendUpM.WithLabelValues(hostForKey(backend)).Set(v)
}

// UpdateBackendQueue satisfies Metrics interface.
func (p *Prometheus) UpdateBackendQueue(backend string, queued, running int64) {
	p.backendQueuedM.WithLabelValues(hostForKey(backend)).Set(float64(queued))
	p.backendRunningM.WithLabelValues(hostForKey(backend)).Set(float64(running))
}

// MeasureSince satisfies Metrics interface.
func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.customHistogramM.WithLabelValues(key).Observe(p.sinceS(start))
}

// IncCounter satisfies Metrics interface.
func (p *Prometheus) IncCounter(key string) {
	p.customCounterM.WithLabelValues(key).Inc()
}

// IncCounterBy satisfies Metrics interface.
func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounterM.WithLabelValues(key).Add(float64(value))
}

// UpdateGauge satisfies Metrics interface.
func (p *Prometheus) UpdateGauge(key string, v float64) {
	p.customGaugeM.WithLabelValues(key).Set(v)
}

func (p *Prometheus) Close() {}
