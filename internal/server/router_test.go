package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/stockconsole/internal/archive"
	"github.com/l0p7/stockconsole/internal/metrics"
	"github.com/l0p7/stockconsole/internal/remote"
	"github.com/stretchr/testify/require"
)

type stubArchive struct {
	mu sync.Mutex

	view     archive.View
	err      error
	filters  []archive.Filter
	options  []archive.ViewOptions
	calls    []string
	reason   string
	bulkOp   archive.BulkOp
	bulkRefs []archive.Ref
}

func (s *stubArchive) View(ctx context.Context, filter archive.Filter, opts archive.ViewOptions) (archive.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	s.options = append(s.options, opts)
	if s.err != nil {
		return archive.View{}, s.err
	}
	return s.view, nil
}

func (s *stubArchive) mutate(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.err
}

func (s *stubArchive) Archive(ctx context.Context, ref archive.Ref, reason string) error {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	return s.mutate(fmt.Sprintf("archive %s/%s", ref.Kind, ref.ID))
}

func (s *stubArchive) Unarchive(ctx context.Context, ref archive.Ref) error {
	return s.mutate(fmt.Sprintf("unarchive %s/%s", ref.Kind, ref.ID))
}

func (s *stubArchive) Delete(ctx context.Context, ref archive.Ref) error {
	return s.mutate(fmt.Sprintf("delete %s/%s", ref.Kind, ref.ID))
}

func (s *stubArchive) Bulk(ctx context.Context, op archive.BulkOp, refs []archive.Ref) (archive.BulkResult, error) {
	s.mu.Lock()
	s.bulkOp = op
	s.bulkRefs = refs
	s.mu.Unlock()
	if err := s.mutate("bulk"); err != nil {
		return archive.BulkResult{}, err
	}
	return archive.BulkResult{Succeeded: refs}, nil
}

func (s *stubArchive) Refresh(ctx context.Context) error { return s.mutate("refresh") }

func newExpect(t *testing.T, svc ArchiveService, rec *metrics.Recorder) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(NewRouter(RouterOptions{
		Archive:           svc,
		Metrics:           rec,
		Logger:            newTestLogger(),
		CorrelationHeader: "X-Correlation-ID",
	}))
	t.Cleanup(srv.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})
}

func TestRouterViewPassesQuery(t *testing.T) {
	asOf := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubArchive{view: archive.View{
		Stats:     archive.Stats{Total: 2},
		Records:   []archive.Record{{ID: "B-1", Kind: archive.KindBatch, Name: "Lot 1"}},
		FromCache: true,
		AsOf:      asOf,
	}}
	e := newExpect(t, svc, nil)

	obj := e.GET("/archive").
		WithQuery("kind", "batch").
		WithQuery("status", "archived").
		WithQuery("search", "lot").
		WithQuery("sortBy", "name").
		WithQuery("order", "asc").
		WithQuery("where", `record.name != ""`).
		WithQuery("refresh", "true").
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	obj.Value("fromCache").Boolean().IsTrue()
	obj.Value("asOf").String().IsEqual("2024-03-01T09:00:00Z")
	obj.Value("stats").Object().Value("total").Number().IsEqual(2)
	obj.Value("records").Array().Length().IsEqual(1)

	require.Equal(t, []archive.Filter{{Kind: "batch", Status: "archived", Search: "lot", SortBy: "name", Order: "asc"}}, svc.filters)
	require.Equal(t, []archive.ViewOptions{{Refresh: true, Where: `record.name != ""`}}, svc.options)
}

func TestRouterViewRejectsBadRefresh(t *testing.T) {
	svc := &stubArchive{}
	e := newExpect(t, svc, nil)

	e.GET("/archive").WithQuery("refresh", "sometimes").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("refresh")
	require.Empty(t, svc.filters)
}

func TestRouterMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid kind", err: fmt.Errorf("%w: %q", archive.ErrInvalidKind, "x"), status: http.StatusBadRequest},
		{name: "invalid request", err: archive.ErrInvalidRequest, status: http.StatusBadRequest},
		{name: "remote conflict", err: &remote.StatusError{Status: 409, Message: "locked"}, status: http.StatusConflict},
		{name: "remote server error", err: &remote.StatusError{Status: 503}, status: http.StatusBadGateway},
		{name: "remote unreachable", err: fmt.Errorf("%w: dial", remote.ErrUnavailable), status: http.StatusBadGateway},
		{name: "remote timeout", err: fmt.Errorf("%w: %w", remote.ErrUnavailable, context.DeadlineExceeded), status: http.StatusGatewayTimeout},
		{name: "internal", err: errors.New("archive: invalidate cache: keys unavailable"), status: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newExpect(t, &stubArchive{err: tc.err}, nil)
			e.GET("/archive").Expect().
				Status(tc.status).
				JSON().Object().Value("error").String().IsEqual(tc.err.Error())
		})
	}
}

func TestRouterMutations(t *testing.T) {
	svc := &stubArchive{}
	e := newExpect(t, svc, nil)

	e.POST("/archive/batch/B-1/archive").WithJSON(map[string]string{"reason": "expired"}).
		Expect().Status(http.StatusNoContent)
	e.POST("/archive/product/P-2/unarchive").Expect().Status(http.StatusNoContent)
	e.DELETE("/archive/supplier/S-3").Expect().Status(http.StatusNoContent)
	e.POST("/archive/refresh").Expect().Status(http.StatusNoContent)

	obj := e.POST("/archive/bulk").
		WithJSON(map[string]any{
			"op":    "delete",
			"items": []map[string]string{{"kind": "batch", "id": "B-1"}, {"kind": "batch", "id": "B-2"}},
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("succeeded").Array().Length().IsEqual(2)

	require.Equal(t, []string{
		"archive batch/B-1",
		"unarchive product/P-2",
		"delete supplier/S-3",
		"refresh",
		"bulk",
	}, svc.calls)
	require.Equal(t, "expired", svc.reason)
	require.Equal(t, archive.BulkDelete, svc.bulkOp)
	require.Len(t, svc.bulkRefs, 2)
}

func TestRouterRejectsMalformedBody(t *testing.T) {
	svc := &stubArchive{}
	e := newExpect(t, svc, nil)

	e.POST("/archive/bulk").WithText("{nope").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("invalid json")
	require.Empty(t, svc.calls)
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	svc := &stubArchive{}
	e := newExpect(t, svc, nil)

	e.POST("/archive/bulk").WithBytes(make([]byte, maxRequestBody+1)).
		Expect().
		Status(http.StatusRequestEntityTooLarge).
		JSON().Object().Value("error").String().Contains("exceeds")
	e.POST("/archive/batch/B-1/archive").WithBytes(make([]byte, maxRequestBody+1)).
		Expect().
		Status(http.StatusRequestEntityTooLarge)
	require.Empty(t, svc.calls)
}

func TestRouterMethodAndPathHandling(t *testing.T) {
	e := newExpect(t, &stubArchive{}, nil)

	e.PUT("/archive").Expect().Status(http.StatusMethodNotAllowed)
	e.GET("/nope").Expect().Status(http.StatusNotFound)
	e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object().Value("status").String().IsEqual("ok")
}

func TestRouterWithoutArchiveService(t *testing.T) {
	e := newExpect(t, nil, nil)
	e.GET("/archive").Expect().Status(http.StatusServiceUnavailable)
	e.POST("/archive/refresh").Expect().Status(http.StatusServiceUnavailable)
}

func TestRouterRequestID(t *testing.T) {
	e := newExpect(t, &stubArchive{}, nil)

	e.GET("/healthz").WithHeader("X-Correlation-ID", "abc-123").
		Expect().
		Header("X-Correlation-ID").IsEqual("abc-123")

	generated := e.GET("/healthz").Expect().Header("X-Correlation-ID").Raw()
	require.Len(t, generated, 36)
}

func TestRouterRecordsMetrics(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	e := newExpect(t, &stubArchive{}, rec)

	e.GET("/archive").Expect().Status(http.StatusOK)
	e.GET("/archive").WithQuery("refresh", "bad").Expect().Status(http.StatusBadRequest)

	body := e.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
	require.Contains(t, body, `stockconsole_http_requests_total{route="archive_view",status_code="200"} 1`)
	require.Contains(t, body, `stockconsole_http_requests_total{route="archive_view",status_code="400"} 1`)
}
