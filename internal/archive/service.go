package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/stockconsole/internal/collection"
	"github.com/l0p7/stockconsole/internal/expr"
	"github.com/l0p7/stockconsole/internal/invalidation"
)

// Cached collection names inside the archive namespace.
const (
	CollectionStats   = "stats"
	CollectionRecords = "records"
)

// Service backs the Archive screen: cached reads, mutations that bust the
// cache, and a manual refresh.
type Service struct {
	ns      *collection.Namespace
	stats   *collection.Store[Stats]
	records *collection.Store[[]Record]
	api     API
	bus     invalidation.Bus
	env     *expr.Environment
	logger  *slog.Logger
}

// NewService registers the archive collections on ns. A nil bus keeps
// invalidations local.
func NewService(ns *collection.Namespace, api API, bus invalidation.Bus, logger *slog.Logger) (*Service, error) {
	if ns == nil {
		return nil, errors.New("archive: namespace required")
	}
	if api == nil {
		return nil, errors.New("archive: api required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = invalidation.NewLocal(logger)
	}
	stats, err := collection.NewStore[Stats](ns, CollectionStats)
	if err != nil {
		return nil, err
	}
	records, err := collection.NewStore[[]Record](ns, CollectionRecords)
	if err != nil {
		return nil, err
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Service{
		ns:      ns,
		stats:   stats,
		records: records,
		api:     api,
		bus:     bus,
		env:     env,
		logger:  logger.With(slog.String("agent", "archive")),
	}, nil
}

// Namespace exposes the cache namespace backing the service.
func (s *Service) Namespace() *collection.Namespace { return s.ns }

// View loads stats and records together. Either both come back or the first
// failure is returned with no data.
func (s *Service) View(ctx context.Context, filter Filter, opts ViewOptions) (View, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return View{}, err
	}
	var where *expr.Program
	if strings.TrimSpace(opts.Where) != "" {
		program, err := s.env.Compile(opts.Where)
		if err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		where = &program
	}

	var (
		stats   Stats
		records []Record
	)
	getOpts := []collection.GetOption{collection.Refresh(opts.Refresh)}
	combined := collection.Combine(ctx,
		collection.Load(s.stats, statsParams{Kind: filter.Kind}, func(ctx context.Context) (Stats, error) {
			return s.api.Stats(ctx, filter.Kind)
		}, &stats, getOpts...),
		collection.Load(s.records, filter, func(ctx context.Context) ([]Record, error) {
			return s.api.Records(ctx, filter)
		}, &records, getOpts...),
	)
	if combined.Err != nil {
		return View{}, combined.Err
	}

	if where != nil {
		records, err = narrow(records, *where)
		if err != nil {
			return View{}, err
		}
	}
	if records == nil {
		records = []Record{}
	}
	return View{
		Stats:     stats,
		Records:   records,
		FromCache: combined.FromCache,
		AsOf:      combined.AsOf,
	}, nil
}

// narrow returns a new slice; cached slices are shared and never modified.
func narrow(records []Record, where expr.Program) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		fields, err := record.Fields()
		if err != nil {
			return nil, err
		}
		ok, err := where.Match(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, nil
}

// Archive archives one record and busts the archive cache.
func (s *Service) Archive(ctx context.Context, ref Ref, reason string) error {
	ref, err := ref.validate()
	if err != nil {
		return err
	}
	if err := s.api.Archive(ctx, ref, strings.TrimSpace(reason)); err != nil {
		return err
	}
	return s.bust(ctx, "mutation")
}

func (s *Service) Unarchive(ctx context.Context, ref Ref) error {
	ref, err := ref.validate()
	if err != nil {
		return err
	}
	if err := s.api.Unarchive(ctx, ref); err != nil {
		return err
	}
	return s.bust(ctx, "mutation")
}

func (s *Service) Delete(ctx context.Context, ref Ref) error {
	ref, err := ref.validate()
	if err != nil {
		return err
	}
	if err := s.api.Delete(ctx, ref); err != nil {
		return err
	}
	return s.bust(ctx, "mutation")
}

// Bulk applies op to every ref in one remote call. The cache is busted when
// at least one item succeeded.
func (s *Service) Bulk(ctx context.Context, op BulkOp, refs []Ref) (BulkResult, error) {
	switch op {
	case BulkArchive, BulkUnarchive, BulkDelete:
	default:
		return BulkResult{}, fmt.Errorf("%w: unknown bulk op %q", ErrInvalidRequest, op)
	}
	if len(refs) == 0 {
		return BulkResult{}, fmt.Errorf("%w: bulk requires at least one item", ErrInvalidRequest)
	}
	valid := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		checked, err := ref.validate()
		if err != nil {
			return BulkResult{}, err
		}
		valid = append(valid, checked)
	}

	result, err := s.api.Bulk(ctx, op, valid)
	if err != nil {
		return BulkResult{}, err
	}
	if len(result.Succeeded) == 0 {
		return result, nil
	}
	return result, s.bust(ctx, "mutation")
}

// Refresh drops every cached archive entry.
func (s *Service) Refresh(ctx context.Context) error {
	return s.bust(ctx, "refresh")
}

// bust clears the whole namespace and notifies peers, even when the local
// durable cleanup fails.
func (s *Service) bust(ctx context.Context, trigger string) error {
	err := s.ns.InvalidateFrom(ctx, trigger, "")
	if pubErr := s.bus.Publish(ctx, invalidation.Event{Namespace: s.ns.Name()}); pubErr != nil {
		s.logger.WarnContext(ctx, "invalidation publish failed", slog.String("error", pubErr.Error()))
	}
	if err != nil {
		return fmt.Errorf("archive: invalidate cache: %w", err)
	}
	return nil
}
