package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/l0p7/stockconsole/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// FetchFunc retrieves a fresh value from the remote collaborator. Timeouts
// are the fetch function's responsibility.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Tier names the layer that produced a Result.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
	TierRemote  Tier = "remote"
)

// Result is the answer to a Get or Peek. Value is shared with the cache and
// other callers and must be treated as read-only.
type Result[T any] struct {
	Value     T
	FromCache bool
	AsOf      time.Time
	Tier      Tier
}

type getOptions struct {
	skipCache bool
}

// GetOption tunes a single Get call.
type GetOption func(*getOptions)

// SkipCache forces a fetch even when a fresh entry exists.
func SkipCache() GetOption {
	return func(o *getOptions) { o.skipCache = true }
}

// Refresh returns SkipCache when refresh is true and a no-op otherwise.
func Refresh(refresh bool) GetOption {
	return func(o *getOptions) {
		if refresh {
			o.skipCache = true
		}
	}
}

// Store is a typed read-through cache over one named collection inside a
// Namespace.
type Store[T any] struct {
	ns         *Namespace
	collection string
}

// NewStore registers a typed collection view on ns. Different collections in
// one namespace must not share a name.
func NewStore[T any](ns *Namespace, collection string) (*Store[T], error) {
	if ns == nil {
		return nil, fmt.Errorf("collection: namespace required")
	}
	if err := validCollectionName(collection); err != nil {
		return nil, err
	}
	return &Store[T]{ns: ns, collection: collection}, nil
}

// Namespace returns the namespace the store belongs to.
func (s *Store[T]) Namespace() *Namespace { return s.ns }

// Collection returns the collection name.
func (s *Store[T]) Collection() string { return s.collection }

// Get serves the freshest value for params: memory tier, then durable tier,
// then fetch. A fetch error is returned unchanged and leaves both tiers as
// they were. If ctx ends while a fetch is in flight Get returns ctx.Err() and
// the fetch still completes and populates the cache.
func (s *Store[T]) Get(ctx context.Context, params any, fetch FetchFunc[T], opts ...GetOption) (Result[T], error) {
	if fetch == nil {
		return Result[T]{}, fmt.Errorf("collection: %s: fetch function required", s.collection)
	}
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	key, canonical, err := keyFor(s.collection, params)
	if err != nil {
		return Result[T]{}, err
	}
	if o.skipCache {
		s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupBypass)
	} else if res, ok := s.lookup(ctx, key); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Result[T]{}, err
	}
	return s.load(ctx, key, canonical, fetch, o.skipCache)
}

// Peek reports the fresh cached value for params without fetching and
// without changing either tier. Stale durable entries are reported absent but
// left in place.
func (s *Store[T]) Peek(ctx context.Context, params any) (Result[T], bool) {
	key, err := Key(s.collection, params)
	if err != nil {
		return Result[T]{}, false
	}
	now := s.ns.now()
	if mem, ok := s.ns.memory(key); ok && s.ns.fresh(mem.storedAt, now) {
		if value, ok := mem.value.(T); ok {
			return Result[T]{Value: value, FromCache: true, AsOf: mem.storedAt, Tier: TierMemory}, true
		}
	}
	raw, ok := s.ns.readDurable(ctx, key)
	if !ok {
		return Result[T]{}, false
	}
	entry, err := decodeEntry[T](raw)
	if err != nil || !s.ns.fresh(entry.StoredAt, now) || s.ns.invalidatedAfter(key, entry.StoredAt) {
		return Result[T]{}, false
	}
	return Result[T]{Value: entry.Value, FromCache: true, AsOf: entry.StoredAt, Tier: TierDurable}, true
}

// Invalidate clears entries of the whole namespace whose key starts with
// prefix; an empty prefix clears everything in the namespace.
func (s *Store[T]) Invalidate(ctx context.Context, prefix string) error {
	return s.ns.Invalidate(ctx, prefix)
}

// InvalidateCollection clears only this store's collection.
func (s *Store[T]) InvalidateCollection(ctx context.Context) error {
	return s.ns.Invalidate(ctx, collectionPrefix(s.collection))
}

func (s *Store[T]) lookup(ctx context.Context, key string) (Result[T], bool) {
	now := s.ns.now()
	if mem, ok := s.ns.memory(key); ok {
		if s.ns.fresh(mem.storedAt, now) {
			if value, ok := mem.value.(T); ok {
				s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupMemoryHit)
				return Result[T]{Value: value, FromCache: true, AsOf: mem.storedAt, Tier: TierMemory}, true
			}
		}
	}

	gen := s.ns.currentGeneration(key)
	raw, ok := s.ns.readDurable(ctx, key)
	if !ok {
		s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupMiss)
		return Result[T]{}, false
	}
	entry, err := decodeEntry[T](raw)
	if err != nil {
		s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupCorrupt)
		s.ns.logger.Warn("discarding unreadable durable cache entry",
			slog.String("collection", s.collection),
			slog.String("cache_key", key),
			slog.Any("error", err),
		)
		s.ns.discardDurable(ctx, key, raw)
		return Result[T]{}, false
	}
	if !s.ns.fresh(entry.StoredAt, now) || s.ns.invalidatedAfter(key, entry.StoredAt) {
		s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupStale)
		s.ns.discardDurable(ctx, key, raw)
		return Result[T]{}, false
	}
	s.ns.promote(key, gen, memoryEntry{value: entry.Value, storedAt: entry.StoredAt, params: entry.Params})
	s.ns.metrics.ObserveLookup(s.ns.name, s.collection, metrics.LookupDurableHit)
	return Result[T]{Value: entry.Value, FromCache: true, AsOf: entry.StoredAt, Tier: TierDurable}, true
}

func (s *Store[T]) load(ctx context.Context, key string, params json.RawMessage, fetch FetchFunc[T], skipCache bool) (Result[T], error) {
	gen := s.ns.currentGeneration(key)
	// The fetch outlives the caller's cancellation so its result still
	// reaches the cache.
	fetchCtx := context.WithoutCancel(ctx)
	run := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("collection: %s: fetch panicked: %v", s.collection, r)
			}
		}()
		return s.fetchAndCommit(fetchCtx, key, params, gen, fetch)
	}

	var ch <-chan singleflight.Result
	if s.ns.dedupe && !skipCache {
		ch = s.ns.flights.DoChan(strconv.FormatUint(gen, 10)+"|"+key, run)
	} else {
		c := make(chan singleflight.Result, 1)
		go func() {
			v, err := run()
			c <- singleflight.Result{Val: v, Err: err}
		}()
		ch = c
	}

	select {
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result[T]{}, res.Err
		}
		return res.Val.(Result[T]), nil
	}
}

func (s *Store[T]) fetchAndCommit(ctx context.Context, key string, params json.RawMessage, gen uint64, fetch FetchFunc[T]) (Result[T], error) {
	start := time.Now()
	value, err := fetch(ctx)
	if err != nil {
		s.ns.metrics.ObserveFetch(s.ns.name, s.collection, metrics.FetchError, time.Since(start))
		return Result[T]{}, err
	}

	entry := Entry[T]{Value: value, StoredAt: stamp(s.ns.now()), Params: params}
	stored := s.ns.commit(ctx, s.collection, key, gen,
		memoryEntry{value: entry.Value, storedAt: entry.StoredAt, params: entry.Params},
		func() (string, error) { return encodeEntry(entry) },
	)
	result := metrics.FetchStored
	if !stored {
		result = metrics.FetchDiscarded
		s.ns.logger.Debug("fetched value not cached; key invalidated during fetch",
			slog.String("collection", s.collection),
			slog.String("cache_key", key),
		)
	}
	s.ns.metrics.ObserveFetch(s.ns.name, s.collection, result, time.Since(start))
	return Result[T]{Value: value, FromCache: false, AsOf: entry.StoredAt, Tier: TierRemote}, nil
}
