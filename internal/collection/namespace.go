package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/stockconsole/internal/kv"
	"github.com/l0p7/stockconsole/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultKeyPrefix = "stockconsole"
)

// Options configures a Namespace.
type Options struct {
	// Name identifies the namespace, e.g. "archive".
	Name string
	// KeyPrefix roots the reserved durable keyspace. Durable keys take the
	// form <KeyPrefix>:<Name>:<collection>:<params>.
	KeyPrefix string
	TTL       time.Duration
	// Durable is the write-through tier. Nil keeps entries in memory only.
	Durable kv.Store
	// DedupeInflight shares one fetch between concurrent misses on a key.
	DedupeInflight bool
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Now            func() time.Time
}

// invalidationMark records the latest invalidation of one key prefix: its
// sequence number and when it happened.
type invalidationMark struct {
	seq uint64
	at  time.Time
}

type memoryEntry struct {
	value    any
	storedAt time.Time
	params   json.RawMessage
}

// Namespace owns the two cache tiers shared by every collection registered
// under one name. Invalidating a namespace clears all of its collections.
type Namespace struct {
	name    string
	prefix  string
	ttl     time.Duration
	durable kv.Store
	dedupe  bool
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	flights singleflight.Group

	// writeMu orders durable writes against invalidation so an entry
	// committed before an invalidation can never land in the durable tier
	// after it.
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]memoryEntry
	seq     uint64
	marks   map[string]invalidationMark
	// floor is the highest sequence among marks pruned after outliving the
	// TTL; it applies to every key.
	floor uint64
}

// NewNamespace validates opts and returns an empty namespace.
func NewNamespace(opts Options) (*Namespace, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("collection: namespace name required")
	}
	if strings.Contains(name, ":") {
		return nil, fmt.Errorf("collection: namespace %q must not contain ':'", name)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keyPrefix := strings.TrimSpace(opts.KeyPrefix)
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Namespace{
		name:    name,
		prefix:  keyPrefix + ":" + name + ":",
		ttl:     ttl,
		durable: opts.Durable,
		dedupe:  opts.DedupeInflight,
		logger:  logger.With(slog.String("namespace", name)),
		metrics: opts.Metrics,
		now:     now,
		entries: make(map[string]memoryEntry),
		marks:   make(map[string]invalidationMark),
	}, nil
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.name }

// TTL returns the freshness window applied to every entry.
func (ns *Namespace) TTL() time.Duration { return ns.ttl }

// DurablePrefix returns the reserved durable keyspace prefix.
func (ns *Namespace) DurablePrefix() string { return ns.prefix }

// Len reports how many entries the memory tier currently holds, fresh or not.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.entries)
}

// Invalidate clears every entry whose namespace-relative key starts with
// prefix from both tiers. An empty prefix clears the whole namespace.
//
// Fetches in flight for keys under prefix are not cached when they finish.
// Durable entries under prefix written at or before the invalidation are
// treated as absent afterwards, even when removing them from the durable tier
// fails.
func (ns *Namespace) Invalidate(ctx context.Context, prefix string) error {
	return ns.InvalidateFrom(ctx, "manual", prefix)
}

// InvalidateFrom behaves like Invalidate and labels the invalidation with the
// trigger that caused it.
func (ns *Namespace) InvalidateFrom(ctx context.Context, trigger, prefix string) error {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()

	ns.mu.Lock()
	ns.seq++
	ns.recordMark(prefix, invalidationMark{seq: ns.seq, at: stamp(ns.now())})
	removed := 0
	for key := range ns.entries {
		if strings.HasPrefix(key, prefix) {
			delete(ns.entries, key)
			removed++
		}
	}
	ns.mu.Unlock()

	ns.metrics.ObserveInvalidation(ns.name, trigger)

	if ns.durable == nil {
		ns.logger.Debug("cache invalidated", slog.String("prefix", prefix), slog.String("trigger", trigger), slog.Int("memory_removed", removed))
		return nil
	}
	keys, err := ns.durable.Keys(ctx, ns.prefix+prefix)
	if err != nil {
		ns.metrics.ObserveDurableError(ns.name, metrics.DurableKeys)
		return fmt.Errorf("collection: invalidate %s: list durable keys: %w", ns.name, err)
	}
	var errs []error
	for _, key := range keys {
		if err := ns.durable.RemoveItem(ctx, key); err != nil {
			ns.metrics.ObserveDurableError(ns.name, metrics.DurableRemove)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("collection: invalidate %s: %w", ns.name, errors.Join(errs...))
	}
	ns.logger.Debug("cache invalidated",
		slog.String("prefix", prefix),
		slog.String("trigger", trigger),
		slog.Int("memory_removed", removed),
		slog.Int("durable_removed", len(keys)),
	)
	return nil
}

// Sweep removes stale memory entries and stale, corrupt or invalidated
// durable entries from the namespace. It reports how many entries were
// removed from each tier.
func (ns *Namespace) Sweep(ctx context.Context) (memoryRemoved, durableRemoved int, err error) {
	now := ns.now()
	ns.mu.Lock()
	for key, entry := range ns.entries {
		if !ns.fresh(entry.storedAt, now) {
			delete(ns.entries, key)
			memoryRemoved++
		}
	}
	ns.mu.Unlock()

	if ns.durable == nil {
		return memoryRemoved, 0, nil
	}
	keys, err := ns.durable.Keys(ctx, ns.prefix)
	if err != nil {
		ns.metrics.ObserveDurableError(ns.name, metrics.DurableKeys)
		return memoryRemoved, 0, fmt.Errorf("collection: sweep %s: list durable keys: %w", ns.name, err)
	}
	for _, full := range keys {
		if err := ctx.Err(); err != nil {
			return memoryRemoved, durableRemoved, err
		}
		key := strings.TrimPrefix(full, ns.prefix)
		raw, ok := ns.readDurable(ctx, key)
		if !ok {
			continue
		}
		var head wireEntry[json.RawMessage]
		if json.Unmarshal([]byte(raw), &head) == nil && head.StoredAtEpochMs > 0 {
			storedAt := time.UnixMilli(head.StoredAtEpochMs).UTC()
			if ns.fresh(storedAt, now) && !ns.invalidatedAfter(key, storedAt) {
				continue
			}
		}
		if ns.discardDurable(ctx, key, raw) {
			durableRemoved++
		}
	}
	ns.logger.Debug("cache swept",
		slog.Int("memory_removed", memoryRemoved),
		slog.Int("durable_removed", durableRemoved),
	)
	return memoryRemoved, durableRemoved, nil
}

func (ns *Namespace) fresh(storedAt, now time.Time) bool {
	return now.Sub(storedAt) < ns.ttl
}

// recordMark stores m for prefix. Marks for longer prefixes are subsumed and
// marks older than the TTL are folded into the floor. Callers hold mu.
func (ns *Namespace) recordMark(prefix string, m invalidationMark) {
	for p, old := range ns.marks {
		switch {
		case strings.HasPrefix(p, prefix):
			delete(ns.marks, p)
		case !ns.fresh(old.at, m.at):
			if old.seq > ns.floor {
				ns.floor = old.seq
			}
			delete(ns.marks, p)
		}
	}
	ns.marks[prefix] = m
}

// generationFor returns the sequence of the latest invalidation covering key.
// Callers hold mu.
func (ns *Namespace) generationFor(key string) uint64 {
	gen := ns.floor
	for p, m := range ns.marks {
		if m.seq > gen && strings.HasPrefix(key, p) {
			gen = m.seq
		}
	}
	return gen
}

func (ns *Namespace) currentGeneration(key string) uint64 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.generationFor(key)
}

// invalidatedAfter reports whether an invalidation covering key happened at
// or after storedAt.
func (ns *Namespace) invalidatedAfter(key string, storedAt time.Time) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for p, m := range ns.marks {
		if strings.HasPrefix(key, p) && !m.at.Before(storedAt) {
			return true
		}
	}
	return false
}

func (ns *Namespace) memory(key string) (memoryEntry, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	entry, ok := ns.entries[key]
	return entry, ok
}

// promote copies a durable entry into memory unless key was invalidated since
// gen or memory already holds something at least as new.
func (ns *Namespace) promote(key string, gen uint64, entry memoryEntry) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.generationFor(key) != gen {
		return
	}
	if existing, ok := ns.entries[key]; ok && !existing.storedAt.Before(entry.storedAt) {
		return
	}
	ns.entries[key] = entry
}

// commit writes entry to memory and then, best effort, to the durable tier.
// It reports false without writing anything when key was invalidated after
// gen was captured.
func (ns *Namespace) commit(ctx context.Context, collection, key string, gen uint64, entry memoryEntry, encode func() (string, error)) bool {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()

	ns.mu.Lock()
	if ns.generationFor(key) != gen {
		ns.mu.Unlock()
		return false
	}
	ns.entries[key] = entry
	ns.mu.Unlock()

	if ns.durable == nil {
		return true
	}
	raw, err := encode()
	if err != nil {
		ns.persistFailed(collection, key, err)
		return true
	}
	if err := ns.durable.SetItem(ctx, ns.prefix+key, raw); err != nil {
		ns.persistFailed(collection, key, err)
	}
	return true
}

func (ns *Namespace) persistFailed(collection, key string, err error) {
	ns.metrics.ObserveDurableError(ns.name, metrics.DurableSet)
	ns.logger.Warn("durable cache write failed",
		slog.String("collection", collection),
		slog.String("cache_key", key),
		slog.Bool("quota_exceeded", errors.Is(err, kv.ErrQuotaExceeded)),
		slog.Any("error", err),
	)
}

// readDurable fetches the raw durable value for key.
func (ns *Namespace) readDurable(ctx context.Context, key string) (string, bool) {
	if ns.durable == nil {
		return "", false
	}
	raw, ok, err := ns.durable.GetItem(ctx, ns.prefix+key)
	if err != nil {
		ns.metrics.ObserveDurableError(ns.name, metrics.DurableGet)
		ns.logger.Warn("durable cache read failed", slog.String("cache_key", key), slog.Any("error", err))
		return "", false
	}
	return raw, ok
}

// discardDurable removes a stale or corrupt durable entry, provided nobody
// replaced it since it was read. It reports whether the entry was removed.
func (ns *Namespace) discardDurable(ctx context.Context, key, raw string) bool {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()
	current, ok, err := ns.durable.GetItem(ctx, ns.prefix+key)
	if err != nil || !ok || current != raw {
		return false
	}
	if err := ns.durable.RemoveItem(ctx, ns.prefix+key); err != nil {
		ns.metrics.ObserveDurableError(ns.name, metrics.DurableRemove)
		ns.logger.Warn("durable cache delete failed", slog.String("cache_key", key), slog.Any("error", err))
		return false
	}
	return true
}
