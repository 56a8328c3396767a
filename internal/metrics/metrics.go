// Package metrics exposes Prometheus collectors for the crawler and its API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "javbus"

// collectors groups every series the process exports. It is registered with
// the default registry exactly once.
type collectors struct {
	pages         *prometheus.CounterVec
	items         *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchedBytes  *prometheus.CounterVec
	strategies    *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	limiterWait   *prometheus.HistogramVec
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
}

var registered = sync.OnceValue(func() *collectors {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	return &collectors{
		pages:        counter("crawl", "pages_total", "Catalog pages by outcome (listed, end, failed).", "outcome"),
		items:        counter("crawl", "items_total", "Catalog items by worker outcome.", "outcome"),
		fetches:      counter("fetch", "attempts_total", "Fetch attempts by site and status.", "site", "status"),
		fetchedBytes: counter("fetch", "bytes_total", "Response bytes received by site.", "site"),
		strategies:   counter("extract", "strategy_total", "Magnet extraction attempts by strategy and result.", "strategy", "result"),
		activeWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "crawl", Name: "active_workers",
			Help: "Workers currently processing an item.",
		}),
		limiterWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "limiter_wait_seconds",
			Help:    "Time spent waiting on the per-host limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
		apiRequests: counter("api", "requests_total", "API requests by method and status code.", "method", "code"),
		apiLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API latency by method and route pattern.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
})

// Init registers the collectors. Calling it more than once is harmless; the
// Observe helpers call it implicitly.
func Init() {
	registered()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces rawURL to its lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePage counts a catalog page by outcome.
func ObservePage(outcome string) {
	registered().pages.WithLabelValues(outcome).Inc()
}

// ObserveItem counts an item by worker outcome.
func ObserveItem(outcome string) {
	registered().items.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one fetch attempt and, when known, its body size.
func ObserveFetch(rawURL, status string, size int) {
	c := registered()
	site := SanitizeSite(rawURL)
	c.fetches.WithLabelValues(site, status).Inc()
	if size > 0 {
		c.fetchedBytes.WithLabelValues(site).Add(float64(size))
	}
}

func ObserveStrategy(strategy, result string) {
	registered().strategies.WithLabelValues(strategy, result).Inc()
}

func IncActiveWorkers() { registered().activeWorkers.Inc() }

func DecActiveWorkers() { registered().activeWorkers.Dec() }

// ObserveRateLimitDelay records how long a request waited for its host slot.
func ObserveRateLimitDelay(domain string, wait time.Duration) {
	registered().limiterWait.WithLabelValues(domain).Observe(wait.Seconds())
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	c := registered()
	c.apiRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.apiLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
