package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveHTTP(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHTTP("archive_view", 200, 250*time.Millisecond)

	families := gather(t, rec, "stockconsole_http_requests_total", "stockconsole_http_request_duration_seconds")

	counter := findMetric(t, families["stockconsole_http_requests_total"], map[string]string{
		"route":       "archive_view",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for http requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["stockconsole_http_request_duration_seconds"], map[string]string{
		"route": "archive_view",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for http latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheActivity(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveLookup("archive", "records", LookupMemoryHit)
	rec.ObserveLookup("archive", "records", LookupMemoryHit)
	rec.ObserveLookup("archive", "stats", LookupDurableHit)
	rec.ObserveFetch("archive", "records", FetchStored, 5*time.Millisecond)
	rec.ObserveDurableError("archive", DurableSet)
	rec.ObserveInvalidation("archive", "mutation")

	families := gather(t, rec,
		"stockconsole_cache_lookups_total",
		"stockconsole_cache_fetches_total",
		"stockconsole_cache_fetch_duration_seconds",
		"stockconsole_cache_durable_errors_total",
		"stockconsole_cache_invalidations_total",
	)

	memoryHits := findMetric(t, families["stockconsole_cache_lookups_total"], map[string]string{
		"namespace":  "archive",
		"collection": "records",
		"result":     string(LookupMemoryHit),
	})
	if got := memoryHits.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected memory hit counter 2, got %v", got)
	}

	durableHits := findMetric(t, families["stockconsole_cache_lookups_total"], map[string]string{
		"collection": "stats",
		"result":     string(LookupDurableHit),
	})
	if got := durableHits.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected durable hit counter 1, got %v", got)
	}

	latency := findMetric(t, families["stockconsole_cache_fetch_duration_seconds"], map[string]string{
		"namespace":  "archive",
		"collection": "records",
		"result":     string(FetchStored),
	})
	hist := latency.GetHistogram()
	if hist == nil || hist.GetSampleCount() != 1 {
		t.Fatalf("expected one fetch latency sample, got %v", hist)
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}

	durable := findMetric(t, families["stockconsole_cache_durable_errors_total"], map[string]string{
		"operation": string(DurableSet),
	})
	if got := durable.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected durable error counter 1, got %v", got)
	}

	invalidations := findMetric(t, families["stockconsole_cache_invalidations_total"], map[string]string{
		"namespace": "archive",
		"trigger":   "mutation",
	})
	if got := invalidations.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected invalidation counter 1, got %v", got)
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveHTTP("x", 200, time.Millisecond)
	rec.ObserveLookup("ns", "c", LookupMiss)
	rec.ObserveFetch("ns", "c", FetchError, time.Millisecond)
	rec.ObserveDurableError("ns", DurableGet)
	rec.ObserveInvalidation("ns", "manual")

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
