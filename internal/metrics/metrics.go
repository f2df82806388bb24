package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupResult captures which tier answered a collection read.
type LookupResult string

const (
	// LookupMemoryHit indicates the in-process tier held a fresh entry.
	LookupMemoryHit LookupResult = "memory_hit"
	// LookupDurableHit indicates the durable tier held a fresh entry.
	LookupDurableHit LookupResult = "durable_hit"
	// LookupMiss indicates neither tier held an entry.
	LookupMiss LookupResult = "miss"
	// LookupStale indicates an entry existed but had outlived the TTL.
	LookupStale LookupResult = "stale"
	// LookupCorrupt indicates a durable entry could not be decoded.
	LookupCorrupt LookupResult = "corrupt"
	// LookupBypass indicates the caller asked to skip the cache.
	LookupBypass LookupResult = "bypass"
)

// FetchResult captures the outcome of a remote fetch issued on a miss.
type FetchResult string

const (
	// FetchStored indicates the fetched value was written to the cache.
	FetchStored FetchResult = "stored"
	// FetchDiscarded indicates the value was returned but not cached because
	// the namespace was invalidated while the fetch was in flight.
	FetchDiscarded FetchResult = "discarded"
	// FetchError indicates the fetch failed.
	FetchError FetchResult = "error"
)

// DurableOperation identifies the durable-tier call that failed.
type DurableOperation string

const (
	DurableGet    DurableOperation = "get"
	DurableSet    DurableOperation = "set"
	DurableRemove DurableOperation = "remove"
	DurableKeys   DurableOperation = "keys"
)

// Recorder publishes Prometheus metrics for cache and HTTP activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	durableErrors *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockconsole",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served to the console UI.",
	}, []string{"route", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stockconsole",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for console UI requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockconsole",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Collection cache reads by answering tier.",
	}, []string{"namespace", "collection", "result"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockconsole",
		Subsystem: "cache",
		Name:      "fetches_total",
		Help:      "Remote fetches issued on cache misses and refreshes.",
	}, []string{"namespace", "collection", "result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stockconsole",
		Subsystem: "cache",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for remote fetches.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"namespace", "collection", "result"})

	durableErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockconsole",
		Subsystem: "cache",
		Name:      "durable_errors_total",
		Help:      "Durable tier operations that failed and were absorbed.",
	}, []string{"namespace", "operation"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockconsole",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Namespace invalidations by trigger.",
	}, []string{"namespace", "trigger"})

	reg.MustRegister(httpRequests, httpLatency, lookups, fetches, fetchLatency, durableErrors, invalidations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		httpRequests:  httpRequests,
		httpLatency:   httpLatency,
		lookups:       lookups,
		fetches:       fetches,
		fetchLatency:  fetchLatency,
		durableErrors: durableErrors,
		invalidations: invalidations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveHTTP records a completed UI request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveLookup records which tier answered a collection read.
func (r *Recorder) ObserveLookup(namespace, collection string, result LookupResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	r.lookups.WithLabelValues(normalizeLabel(namespace), normalizeLabel(collection), resultLabel).Inc()
}

// ObserveFetch records the outcome and latency of a remote fetch.
func (r *Recorder) ObserveFetch(namespace, collection string, result FetchResult, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(FetchError)
	}
	ns, coll := normalizeLabel(namespace), normalizeLabel(collection)
	r.fetches.WithLabelValues(ns, coll, resultLabel).Inc()
	r.fetchLatency.WithLabelValues(ns, coll, resultLabel).Observe(duration.Seconds())
}

// ObserveDurableError records a durable tier failure that was absorbed.
func (r *Recorder) ObserveDurableError(namespace string, op DurableOperation) {
	if r == nil {
		return
	}
	r.durableErrors.WithLabelValues(normalizeLabel(namespace), normalizeLabel(string(op))).Inc()
}

// ObserveInvalidation records a namespace invalidation and what triggered it.
func (r *Recorder) ObserveInvalidation(namespace, trigger string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(namespace), normalizeLabel(trigger)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
