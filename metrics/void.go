package metrics

import (
	"net/http"
	"time"
)

// Void is a no-op implementation of the Metrics interface, used when
// metrics collection is disabled and in tests.
type Void struct{}

func (*Void) MeasureServe(string, string, int, time.Time) {}
func (*Void) MeasureBackend(string, time.Time)            {}
func (*Void) MeasureRouting(time.Time)                    {}
func (*Void) IncRoutingFailures()                         {}
func (*Void) IncErrorsBackend(string)                     {}
func (*Void) IncErrorsStreaming(string)                   {}
func (*Void) IncBindingOp(string)                         {}
func (*Void) UpdateBindings(int64)                         {}
func (*Void) IncRuleError(string)                         {}
func (*Void) IncRulesReload(bool)                         {}
func (*Void) IncProbe(string, bool)                       {}
func (*Void) UpdateBackendHealth(string, bool)            {}
func (*Void) UpdateBackendQueue(string, int64, int64)        {}
func (*Void) MeasureSince(string, time.Time)              {}
func (*Void) IncCounter(string)                           {}
func (*Void) IncCounterBy(string, int64)                  {}
func (*Void) UpdateGauge(string, float64)                 {}
func (*Void) RegisterHandler(string, *http.ServeMux)      {}
func (*Void) Close()                                      {}
