package collection

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is one constituent of a Combine call. Build sources with Load.
type Source interface {
	load(ctx context.Context) (sourceMeta, error)
	commit()
}

type sourceMeta struct {
	fromCache bool
	asOf      time.Time
}

type loadSource[T any] struct {
	store  *Store[T]
	params any
	fetch  FetchFunc[T]
	opts   []GetOption
	dst    *T

	result Result[T]
}

// Load describes a Get on store whose value is written to dst only when every
// source of the enclosing Combine succeeds.
func Load[T any](store *Store[T], params any, fetch FetchFunc[T], dst *T, opts ...GetOption) Source {
	return &loadSource[T]{store: store, params: params, fetch: fetch, opts: opts, dst: dst}
}

func (l *loadSource[T]) load(ctx context.Context) (sourceMeta, error) {
	res, err := l.store.Get(ctx, l.params, l.fetch, l.opts...)
	if err != nil {
		return sourceMeta{}, err
	}
	l.result = res
	return sourceMeta{fromCache: res.FromCache, asOf: res.AsOf}, nil
}

func (l *loadSource[T]) commit() {
	if l.dst != nil {
		*l.dst = l.result.Value
	}
}

// Combined is the merged status of a Combine call.
type Combined struct {
	// FromCache is true only when every source was answered from cache.
	FromCache bool
	// AsOf is the oldest timestamp among the sources.
	AsOf time.Time
	// Err is the first failure; when set no destination was written.
	Err error
}

// Combine runs every source concurrently and merges their status. Either all
// destinations are written or none are, so callers never display a mix of
// fresh data and an error.
func Combine(ctx context.Context, sources ...Source) Combined {
	if len(sources) == 0 {
		return Combined{}
	}
	metas := make([]sourceMeta, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			meta, err := src.load(gctx)
			if err != nil {
				return err
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Combined{Err: err}
	}

	merged := Combined{FromCache: true}
	for _, meta := range metas {
		merged.FromCache = merged.FromCache && meta.fromCache
		if merged.AsOf.IsZero() || meta.asOf.Before(merged.AsOf) {
			merged.AsOf = meta.asOf
		}
	}
	for _, src := range sources {
		src.commit()
	}
	return merged
}
