package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trinogate/trinogate/metrics"
)

func TestPrometheusMetrics(t *testing.T) {
	tests := []struct {
		name       string
		opts       metrics.Options
		addMetrics func(*metrics.Prometheus)
		expMetrics []string
	}{
		{
			name: "incrementing the routing failures counts the total",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncRoutingFailures()
				pm.IncRoutingFailures()
				pm.IncRoutingFailures()
			},
			expMetrics: []string{
				`trinogate_routing_error_total 3`,
			},
		},
		{
			name: "backend errors are labeled by backend",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncErrorsBackend("trino-1")
				pm.IncErrorsBackend("trino-2")
				pm.IncErrorsBackend("trino-1")
			},
			expMetrics: []string{
				`trinogate_backend_error_total{backend="trino-1"} 2`,
				`trinogate_backend_error_total{backend="trino-2"} 1`,
			},
		},
		{
			name: "binding operations are labeled by op",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncBindingOp("bind")
				pm.IncBindingOp("hit")
				pm.IncBindingOp("hit")
				pm.UpdateBindings(7)
			},
			expMetrics: []string{
				`trinogate_routing_binding_operations_total{op="bind"} 1`,
				`trinogate_routing_binding_operations_total{op="hit"} 2`,
				`trinogate_routing_bindings 7`,
			},
		},
		{
			name: "serve duration is labeled by class, method and code",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureServe("statement", "POST", 200, time.Now().Add(-15*time.Millisecond))
			},
			expMetrics: []string{
				`trinogate_serve_duration_seconds_count{class="statement",code="200",method="POST"} 1`,
			},
		},
		{
			name: "probe results update backend health gauges",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncProbe("trino-1", true)
				pm.IncProbe("trino-1", false)
				pm.IncProbe("trino-1", true)
				pm.UpdateBackendHealth("trino-1", true)
				pm.UpdateBackendQueue("trino-1", 4, 11)
			},
			expMetrics: []string{
				`trinogate_cluster_probe_total{backend="trino-1",result="success"} 2`,
				`trinogate_cluster_probe_total{backend="trino-1",result="failure"} 1`,
				`trinogate_cluster_backend_up{backend="trino-1"} 1`,
				`trinogate_cluster_backend_queued_queries{backend="trino-1"} 4`,
				`trinogate_cluster_backend_running_queries{backend="trino-1"} 11`,
			},
		},
		{
			name: "rule errors and reloads",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncRuleError("airflow")
				pm.IncRulesReload(true)
				pm.IncRulesReload(false)
				pm.IncRulesReload(true)
			},
			expMetrics: []string{
				`trinogate_rules_evaluation_error_total{rule="airflow"} 1`,
				`trinogate_rules_reload_total{result="success"} 2`,
				`trinogate_rules_reload_total{result="failure"} 1`,
			},
		},
		{
			name: "custom prefix replaces the namespace",
			opts: metrics.Options{Prefix: "gw."},
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncCounter("incoming.HTTP/1.1")
			},
			expMetrics: []string{
				`gw_custom_total{key="incoming.HTTP/1.1"} 1`,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pm := metrics.NewPrometheus(test.opts)
			path := "/awesome-metrics"

			mux := http.NewServeMux()
			pm.RegisterHandler(path, mux)

			test.addMetrics(pm)

			r := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, r)

			resp := w.Result()
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("unexpected status: %d", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}

			for _, expMetric := range test.expMetrics {
				if !strings.Contains(string(body), expMetric) {
					t.Errorf("expected metric missing: %s", expMetric)
				}
			}
		})
	}
}
