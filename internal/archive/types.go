package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrInvalidKind reports an unknown record kind.
	ErrInvalidKind = errors.New("archive: invalid kind")
	// ErrInvalidRequest reports malformed filters, where clauses or bulk requests.
	ErrInvalidRequest = errors.New("archive: invalid request")
)

// Kind names an archivable record family.
type Kind string

const (
	KindBatch    Kind = "batch"
	KindProduct  Kind = "product"
	KindSupplier Kind = "supplier"
	KindCategory Kind = "category"
)

// Kinds lists every archivable kind in display order.
var Kinds = []Kind{KindBatch, KindProduct, KindSupplier, KindCategory}

var kindAliases = map[string]Kind{
	"batch":      KindBatch,
	"batches":    KindBatch,
	"product":    KindProduct,
	"products":   KindProduct,
	"supplier":   KindSupplier,
	"suppliers":  KindSupplier,
	"category":   KindCategory,
	"categories": KindCategory,
}

// ParseKind accepts singular and plural spellings, case-insensitively.
func ParseKind(raw string) (Kind, error) {
	if kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Record is one archived row as the remote API reports it.
type Record struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	ArchivedAt *time.Time     `json:"archivedAt,omitempty"`
	ArchivedBy string         `json:"archivedBy,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Fields exposes the record as its JSON object, the shape filters see.
func (r Record) Fields() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("archive: encode record %s: %w", r.ID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("archive: decode record %s: %w", r.ID, err)
	}
	return fields, nil
}

// Stats summarises the archive.
type Stats struct {
	Total             int          `json:"total"`
	ByKind            map[Kind]int `json:"byKind"`
	ArchivedThisMonth int          `json:"archivedThisMonth"`
	RestoredThisMonth int          `json:"restoredThisMonth"`
}

// Filter selects the archived records shown. It doubles as the cache key
// params, so the JSON names are stable.
type Filter struct {
	Kind   Kind   `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
	Search string `json:"search,omitempty"`
	SortBy string `json:"sortBy,omitempty"`
	Order  string `json:"order,omitempty"`
}

var sortFields = map[string]struct{}{
	"name":       {},
	"kind":       {},
	"status":     {},
	"archivedAt": {},
}

// Normalize trims the filter and rejects unknown values.
func (f Filter) Normalize() (Filter, error) {
	out := Filter{
		Status: strings.ToLower(strings.TrimSpace(f.Status)),
		Search: strings.TrimSpace(f.Search),
		SortBy: strings.TrimSpace(f.SortBy),
		Order:  strings.ToLower(strings.TrimSpace(f.Order)),
	}
	if strings.TrimSpace(string(f.Kind)) != "" {
		kind, err := ParseKind(string(f.Kind))
		if err != nil {
			return Filter{}, err
		}
		out.Kind = kind
	}
	if out.SortBy != "" {
		if _, ok := sortFields[out.SortBy]; !ok {
			return Filter{}, fmt.Errorf("%w: unknown sortBy %q", ErrInvalidRequest, f.SortBy)
		}
	}
	switch out.Order {
	case "", "asc", "desc":
	default:
		return Filter{}, fmt.Errorf("%w: order must be asc or desc", ErrInvalidRequest)
	}
	if out.Order != "" && out.SortBy == "" {
		out.SortBy = "archivedAt"
	}
	return out, nil
}

// Query renders the filter as URL query parameters, keys sorted.
func (f Filter) Query() string {
	values := url.Values{}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	set("kind", string(f.Kind))
	set("status", f.Status)
	set("search", f.Search)
	set("sortBy", f.SortBy)
	set("order", f.Order)
	return values.Encode()
}

// statsParams is the cache key for stats, which depend on the kind only.
type statsParams struct {
	Kind Kind `json:"kind,omitempty"`
}

// Ref points at one record.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) validate() (Ref, error) {
	kind, err := ParseKind(string(r.Kind))
	if err != nil {
		return Ref{}, err
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return Ref{}, fmt.Errorf("%w: record id required", ErrInvalidRequest)
	}
	if !validRecordID(id) {
		return Ref{}, fmt.Errorf("%w: invalid record id %q", ErrInvalidRequest, id)
	}
	return Ref{Kind: kind, ID: id}, nil
}

// validRecordID rejects ids that could change the remote path they are
// rendered into.
func validRecordID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\?#") {
		return false
	}
	return strings.IndexFunc(id, unicode.IsControl) < 0
}

// BulkOp names the operation applied by Bulk.
type BulkOp string

const (
	BulkArchive   BulkOp = "archive"
	BulkUnarchive BulkOp = "unarchive"
	BulkDelete    BulkOp = "delete"
)

// BulkResult reports per-item outcomes of a bulk request.
type BulkResult struct {
	Succeeded []Ref         `json:"succeeded"`
	Failed    []BulkFailure `json:"failed,omitempty"`
}

type BulkFailure struct {
	Ref   Ref    `json:"ref"`
	Error string `json:"error"`
}

// View is what the Archive screen renders in one pass.
type View struct {
	Stats     Stats     `json:"stats"`
	Records   []Record  `json:"records"`
	FromCache bool      `json:"fromCache"`
	AsOf      time.Time `json:"asOf"`
}

// ViewOptions tune a View call. Refresh bypasses the cache; Where is a CEL
// expression over `record` narrowing the list locally.
type ViewOptions struct {
	Refresh bool
	Where   string
}
