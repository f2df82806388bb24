package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/stockconsole/internal/archive"
	"github.com/l0p7/stockconsole/internal/logging"
	"github.com/l0p7/stockconsole/internal/metrics"
	"github.com/l0p7/stockconsole/internal/remote"
)

const maxRequestBody = 1 << 20

// ArchiveService is what the router needs from the archive feature.
type ArchiveService interface {
	View(ctx context.Context, filter archive.Filter, opts archive.ViewOptions) (archive.View, error)
	Archive(ctx context.Context, ref archive.Ref, reason string) error
	Unarchive(ctx context.Context, ref archive.Ref) error
	Delete(ctx context.Context, ref archive.Ref) error
	Bulk(ctx context.Context, op archive.BulkOp, refs []archive.Ref) (archive.BulkResult, error)
	Refresh(ctx context.Context) error
}

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	Archive ArchiveService
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// CorrelationHeader carries the request ID in and out. Defaults to X-Request-ID.
	CorrelationHeader string
}

type router struct {
	archive ArchiveService
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewRouter returns the HTTP surface consumed by the console UI.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = "X-Request-ID"
	}
	rt := &router{
		archive: opts.Archive,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("agent", "http")),
	}

	mux := http.NewServeMux()
	rt.handle(mux, "GET /healthz", "healthz", rt.health)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	if rt.archive == nil {
		unavailable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "archive unavailable")
		})
		mux.Handle("/archive", unavailable)
		mux.Handle("/archive/", unavailable)
	} else {
		rt.handle(mux, "GET /archive", "archive_view", rt.view)
		rt.handle(mux, "POST /archive/refresh", "archive_refresh", rt.refresh)
		rt.handle(mux, "POST /archive/bulk", "archive_bulk", rt.bulk)
		rt.handle(mux, "POST /archive/{kind}/{id}/archive", "archive_archive", rt.archiveOne)
		rt.handle(mux, "POST /archive/{kind}/{id}/unarchive", "archive_unarchive", rt.unarchiveOne)
		rt.handle(mux, "DELETE /archive/{kind}/{id}", "archive_delete", rt.deleteOne)
	}
	return withRequestID(header, mux)
}

// handle registers fn under pattern and records its latency under route.
func (rt *router) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		rt.metrics.ObserveHTTP(route, rec.status, elapsed)
		logging.FromContext(r.Context(), rt.logger).Debug("request served",
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("latency", elapsed),
		)
	}))
}

func withRequestID(header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(header))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(header, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) view(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refresh := false
	if raw := strings.TrimSpace(q.Get("refresh")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("refresh must be a boolean: %q", raw))
			return
		}
		refresh = parsed
	}
	filter := archive.Filter{
		Kind:   archive.Kind(q.Get("kind")),
		Status: q.Get("status"),
		Search: q.Get("search"),
		SortBy: q.Get("sortBy"),
		Order:  q.Get("order"),
	}
	view, err := rt.archive.View(r.Context(), filter, archive.ViewOptions{Refresh: refresh, Where: q.Get("where")})
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *router) refresh(w http.ResponseWriter, r *http.Request) {
	if err := rt.archive.Refresh(r.Context()); err != nil {
		rt.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) archiveOne(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if status, err := decodeOptionalBody(w, r, &body); err != nil {
		writeError(w, status, err.Error())
		return
	}
	if err := rt.archive.Archive(r.Context(), pathRef(r), body.Reason); err != nil {
		rt.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) unarchiveOne(w http.ResponseWriter, r *http.Request) {
	if err := rt.archive.Unarchive(r.Context(), pathRef(r)); err != nil {
		rt.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) deleteOne(w http.ResponseWriter, r *http.Request) {
	if err := rt.archive.Delete(r.Context(), pathRef(r)); err != nil {
		rt.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) bulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Op    archive.BulkOp `json:"op"`
		Items []archive.Ref  `json:"items"`
	}
	if status, err := decodeOptionalBody(w, r, &body); err != nil {
		writeError(w, status, err.Error())
		return
	}
	result, err := rt.archive.Bulk(r.Context(), body.Op, body.Items)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func pathRef(r *http.Request) archive.Ref {
	return archive.Ref{Kind: archive.Kind(r.PathValue("kind")), ID: r.PathValue("id")}
}

// decodeOptionalBody decodes a JSON body into dst when one is present. On
// failure it returns the status to answer with.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err)
	}
	return 0, nil
}

// fail maps err onto a status and writes it. Remote 4xx answers keep their
// status so the UI can show "not found" or "conflict" verbatim.
func (rt *router) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := logging.FromContext(r.Context(), rt.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		logger.Info("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var statusErr *remote.StatusError
	switch {
	case errors.Is(err, archive.ErrInvalidKind), errors.Is(err, archive.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &statusErr):
		if statusErr.Status >= 400 && statusErr.Status < 500 {
			return statusErr.Status
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, remote.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
