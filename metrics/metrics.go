// Package metrics implements collection of the gateway's performance
// and routing metrics, exposed in Prometheus format on the support
// listener.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options for initializing metrics collection.
type Options struct {

	// Common prefix for the keys of the different collected metrics.
	// Defaults to "trinogate".
	Prefix string

	// If set, Go runtime and process metrics are collected in
	// addition to the gateway metrics.
	EnableRuntimeMetrics bool

	// If set, backend roundtrip durations and errors are labeled by
	// backend name. Enabled by default.
	EnablePerBackendMetrics bool

	// If set, rule evaluation errors are labeled by rule name.
	// Enabled by default.
	EnablePerRuleMetrics bool

	// When true, the default dimension settings above are not
	// applied.
	DisableDefaultDimensions bool

	// HistogramBuckets used by the duration histograms. When nil,
	// prometheus.DefBuckets is used.
	HistogramBuckets []float64

	// An optional registry to register the metrics on. When nil, a
	// new one is created.
	PrometheusRegistry *prometheus.Registry
}

// Metrics is the generic interface the gateway components report to.
type Metrics interface {

	// MeasureServe reports the full duration of serving a client
	// exchange, labeled by request class, method and status code.
	MeasureServe(class, method string, code int, start time.Time)

	// MeasureBackend reports the duration of a backend roundtrip.
	MeasureBackend(backend string, start time.Time)

	// MeasureRouting reports the duration of a routing decision,
	// attribute extraction and rule evaluation included.
	MeasureRouting(start time.Time)

	IncRoutingFailures()
	IncErrorsBackend(backend string)
	IncErrorsStreaming(backend string)

	// IncBindingOp counts query binding operations: "bind",
	// "conflict", "hit", "miss" and "evict".
	IncBindingOp(op string)
	UpdateBindings(count int64)

	IncRuleError(rule string)
	IncRulesReload(success bool)

	IncProbe(backend string, success bool)
	UpdateBackendHealth(backend string, up bool)
	UpdateBackendQueue(backend string, queued, running int64)

	// Custom metrics for the odd corner that has no dedicated
	// method.
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, v float64)

	RegisterHandler(path string, mux *http.ServeMux)
	Close()
}

// Default is the global metrics instance, a no-op until Init replaces
// it.
var Default Metrics = &Void{}

// Init creates the Prometheus backend from the options and installs it
// as Default.
func Init(o Options) Metrics {
	m := NewPrometheus(o)
	Default = m
	return m
}

func applyDefaultDimensions(o Options) Options {
	if o.DisableDefaultDimensions {
		return o
	}

	o.EnablePerBackendMetrics = true
	o.EnablePerRuleMetrics = true

	return o
}

func hostForKey(h string) string {
	h = strings.Replace(h, ".", "_", -1)
	h = strings.Replace(h, ":", "__", -1)
	return h
}

func measuredMethod(m string) string {
	switch m {
	case "OPTIONS",
		"GET",
		"HEAD",
		"POST",
		"PUT",
		"DELETE",
		"TRACE",
		"CONNECT":
		return m
	default:
		return "_unknownmethod_"
	}
}
