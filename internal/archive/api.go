package archive

import (
	"context"
	"net/http"
	"net/url"

	"github.com/l0p7/stockconsole/internal/config"
	"github.com/l0p7/stockconsole/internal/remote"
)

// API is the remote collaborator that owns archive data.
type API interface {
	Stats(ctx context.Context, kind Kind) (Stats, error)
	Records(ctx context.Context, filter Filter) ([]Record, error)
	Archive(ctx context.Context, ref Ref, reason string) error
	Unarchive(ctx context.Context, ref Ref) error
	Delete(ctx context.Context, ref Ref) error
	Bulk(ctx context.Context, op BulkOp, refs []Ref) (BulkResult, error)
}

// Route names understood by RemoteAPI.
const (
	RouteStats     = "stats"
	RouteRecords   = "records"
	RouteArchive   = "archive"
	RouteUnarchive = "unarchive"
	RouteDelete    = "delete"
	RouteBulk      = "bulk"
)

// Routes maps the configured path templates onto route names.
func Routes(cfg config.RemoteConfig) map[string]string {
	return map[string]string{
		RouteStats:     cfg.Collections.Stats,
		RouteRecords:   cfg.Collections.Records,
		RouteArchive:   cfg.Mutations.Archive,
		RouteUnarchive: cfg.Mutations.Unarchive,
		RouteDelete:    cfg.Mutations.Delete,
		RouteBulk:      cfg.Mutations.Bulk,
	}
}

// RemoteAPI implements API over the JSON remote client.
type RemoteAPI struct {
	client *remote.Client
}

func NewRemoteAPI(client *remote.Client) *RemoteAPI {
	return &RemoteAPI{client: client}
}

func (a *RemoteAPI) Stats(ctx context.Context, kind Kind) (Stats, error) {
	var stats Stats
	err := a.client.GetJSON(ctx, RouteStats, map[string]any{"kind": string(kind)}, &stats)
	return stats, err
}

func (a *RemoteAPI) Records(ctx context.Context, filter Filter) ([]Record, error) {
	var records []Record
	params := map[string]any{
		"kind":   string(filter.Kind),
		"status": filter.Status,
		"search": filter.Search,
		"sortBy": filter.SortBy,
		"order":  filter.Order,
		"query":  filter.Query(),
	}
	if err := a.client.GetJSON(ctx, RouteRecords, params, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (a *RemoteAPI) Archive(ctx context.Context, ref Ref, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return a.client.Do(ctx, http.MethodPost, RouteArchive, refParams(ref), body, nil)
}

func (a *RemoteAPI) Unarchive(ctx context.Context, ref Ref) error {
	return a.client.Do(ctx, http.MethodPost, RouteUnarchive, refParams(ref), nil, nil)
}

func (a *RemoteAPI) Delete(ctx context.Context, ref Ref) error {
	return a.client.Do(ctx, http.MethodDelete, RouteDelete, refParams(ref), nil, nil)
}

// Bulk posts every item in one request. An empty answer means every item
// succeeded.
func (a *RemoteAPI) Bulk(ctx context.Context, op BulkOp, refs []Ref) (BulkResult, error) {
	body := struct {
		Op    BulkOp `json:"op"`
		Items []Ref  `json:"items"`
	}{Op: op, Items: refs}
	var result BulkResult
	if err := a.client.Do(ctx, http.MethodPost, RouteBulk, map[string]any{"op": string(op)}, body, &result); err != nil {
		return BulkResult{}, err
	}
	if result.Succeeded == nil && result.Failed == nil {
		result.Succeeded = append([]Ref(nil), refs...)
	}
	return result, nil
}

// refParams escapes both values as single path segments.
func refParams(ref Ref) map[string]any {
	return map[string]any{
		"kind": url.PathEscape(string(ref.Kind)),
		"id":   url.PathEscape(ref.ID),
	}
}
