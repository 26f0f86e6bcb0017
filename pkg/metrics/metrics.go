// Package metrics provides the Prometheus registry and metric catalogue for
// the wikidot client. All metrics are defined in their respective packages
// (client, dispatch, limiter, cache, ratelimit) to maintain modularity and
// avoid circular dependencies.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the wikidot client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Type is the Prometheus metric type.
type Type string

const (
	// Counter only ever increases.
	Counter Type = "counter"

	// Gauge goes up and down.
	Gauge Type = "gauge"

	// Histogram buckets observations such as durations.
	Histogram Type = "histogram"
)

// Metric describes one exported metric.
type Metric struct {
	Name    string
	Type    Type
	Labels  []string
	Package string
}

// Catalogue lists every metric exported by the module.
var Catalogue = []Metric{
	// pkg/client
	{Name: "wikidot_requests_total", Type: Counter, Labels: []string{"host", "status"}, Package: "client"},
	{Name: "wikidot_request_duration_seconds", Type: Histogram, Labels: []string{"method"}, Package: "client"},
	{Name: "wikidot_errors_total", Type: Counter, Labels: []string{"class"}, Package: "client"},

	// pkg/dispatch
	{Name: "wikidot_batch_total", Type: Counter, Labels: []string{"policy", "result"}, Package: "dispatch"},
	{Name: "wikidot_batch_duration_seconds", Type: Histogram, Labels: []string{"policy"}, Package: "dispatch"},
	{Name: "wikidot_batch_requests_total", Type: Counter, Labels: []string{"outcome"}, Package: "dispatch"},

	// pkg/limiter
	{Name: "wikidot_limiter_in_flight", Type: Gauge, Package: "limiter"},
	{Name: "wikidot_limiter_wait_seconds", Type: Histogram, Package: "limiter"},

	// pkg/cache
	{Name: "wikidot_cache_hits_total", Type: Counter, Package: "cache"},
	{Name: "wikidot_cache_misses_total", Type: Counter, Package: "cache"},
	{Name: "wikidot_cache_stored_bytes_total", Type: Counter, Package: "cache"},
	{Name: "wikidot_cache_not_modified_total", Type: Counter, Package: "cache"},
	{Name: "wikidot_cache_conditional_requests_total", Type: Counter, Package: "cache"},
	{Name: "wikidot_cache_errors_total", Type: Counter, Labels: []string{"operation"}, Package: "cache"},

	// pkg/ratelimit
	{Name: "wikidot_rate_limit_cooldowns_total", Type: Counter, Package: "ratelimit"},
	{Name: "wikidot_rate_limit_blocks_total", Type: Counter, Package: "ratelimit"},
	{Name: "wikidot_rate_limit_wait_seconds", Type: Histogram, Package: "ratelimit"},
}

// Lookup returns the catalogue entry for name.
func Lookup(name string) (Metric, bool) {
	for _, m := range Catalogue {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// Handler serves all registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Collected returns the names of registered wikidot_* metric families that
// currently have at least one series.
func Collected() ([]string, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "wikidot_") {
			names = append(names, f.GetName())
		}
	}
	return names, nil
}

// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(wikidot_cache_hits_total[5m])) /
//   (sum(rate(wikidot_cache_hits_total[5m])) + sum(rate(wikidot_cache_misses_total[5m])))
//
//   # Limiter saturation
//   wikidot_limiter_in_flight
//
//   # FailFast abort rate
//   rate(wikidot_batch_total{policy="fail_fast",result="failed"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(wikidot_request_duration_seconds_bucket[5m]))
//
//   # Platform cooldowns
//   increase(wikidot_rate_limit_cooldowns_total[1h])
