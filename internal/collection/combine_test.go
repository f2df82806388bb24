package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l0p7/stockconsole/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestCombineFromCacheOnlyWhenAllSourcesHit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ns := newTestNamespace(t, kv.NewMemory(0), clock)
	stats := newTestStore(t, ns, "stats")
	records := newTestStore(t, ns, "records")

	// Prime stats so it is answered from cache; records is still cold.
	_, err := stats.Get(ctx, nil, (&countingFetch{value: "stats-v1"}).fetch)
	require.NoError(t, err)
	clock.Advance(time.Second)

	var statsValue, recordsValue string
	merged := Combine(ctx,
		Load(stats, nil, (&countingFetch{value: "unused"}).fetch, &statsValue),
		Load(records, nil, (&countingFetch{value: "batches-v1"}).fetch, &recordsValue),
	)
	require.NoError(t, merged.Err)
	require.False(t, merged.FromCache)
	require.Equal(t, "stats-v1", statsValue)
	require.Equal(t, "batches-v1", recordsValue)
	require.Equal(t, clock.Now().Add(-time.Second), merged.AsOf, "asOf reports the oldest constituent")

	merged = Combine(ctx,
		Load(stats, nil, (&countingFetch{value: "unused"}).fetch, &statsValue),
		Load(records, nil, (&countingFetch{value: "unused"}).fetch, &recordsValue),
	)
	require.NoError(t, merged.Err)
	require.True(t, merged.FromCache)
}

func TestCombineDiscardsPartialSuccess(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t, nil, newFakeClock())
	stats := newTestStore(t, ns, "stats")
	records := newTestStore(t, ns, "records")

	errRemote := errors.New("records endpoint failed")
	statsValue, recordsValue := "untouched", "untouched"
	merged := Combine(ctx,
		Load(stats, nil, (&countingFetch{value: "stats-v1"}).fetch, &statsValue),
		Load(records, nil, (&countingFetch{err: errRemote}).fetch, &recordsValue),
	)
	require.ErrorIs(t, merged.Err, errRemote)
	require.False(t, merged.FromCache)
	require.Equal(t, "untouched", statsValue)
	require.Equal(t, "untouched", recordsValue)
}

func TestCombinePassesGetOptions(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t, nil, newFakeClock())
	stats := newTestStore(t, ns, "stats")

	_, err := stats.Get(ctx, nil, (&countingFetch{value: "v1"}).fetch)
	require.NoError(t, err)

	refresh := &countingFetch{value: "v2"}
	var value string
	merged := Combine(ctx, Load(stats, nil, refresh.fetch, &value, SkipCache()))
	require.NoError(t, merged.Err)
	require.False(t, merged.FromCache)
	require.Equal(t, "v2", value)
	require.EqualValues(t, 1, refresh.calls.Load())
}

func TestCombineWithoutSources(t *testing.T) {
	merged := Combine(context.Background())
	require.NoError(t, merged.Err)
	require.False(t, merged.FromCache)
	require.True(t, merged.AsOf.IsZero())
}
