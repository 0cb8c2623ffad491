package metrics

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	counterName = "mosaic_signaling_events_total"
	gaugeName   = "mosaic_signaling_gauge"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are a single metric with an `event` label and gauges a single
// metric with a `name` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		counters := m.Snapshot()
		gauges := m.Gauges()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling event counters.\n", counterName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", counterName)
		for _, k := range sortedKeys(counters) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", counterName, labelEscaper.Replace(k), counters[k])
		}
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintf(w, "# HELP %s Live signaling state.\n", gaugeName)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", gaugeName)
		for _, k := range sortedKeys(gauges) {
			_, _ = fmt.Fprintf(w, "%s{name=\"%s\"} %d\n", gaugeName, labelEscaper.Replace(k), gauges[k])
		}
	})
}
