package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is one cached value together with when it was produced and the
// canonical params that addressed it. Entries are replaced wholesale.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
	Params   json.RawMessage
}

type wireEntry[T any] struct {
	Value           T               `json:"value"`
	StoredAtEpochMs int64           `json:"storedAtEpochMs"`
	Params          json.RawMessage `json:"params"`
}

var errMissingTimestamp = errors.New("collection: durable entry missing timestamp")

func encodeEntry[T any](entry Entry[T]) (string, error) {
	payload, err := json.Marshal(wireEntry[T]{
		Value:           entry.Value,
		StoredAtEpochMs: entry.StoredAt.UnixMilli(),
		Params:          entry.Params,
	})
	if err != nil {
		return "", fmt.Errorf("collection: encode entry: %w", err)
	}
	return string(payload), nil
}

func decodeEntry[T any](raw string) (Entry[T], error) {
	var wire wireEntry[T]
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Entry[T]{}, fmt.Errorf("collection: decode entry: %w", err)
	}
	if wire.StoredAtEpochMs <= 0 {
		return Entry[T]{}, errMissingTimestamp
	}
	return Entry[T]{
		Value:    wire.Value,
		StoredAt: time.UnixMilli(wire.StoredAtEpochMs).UTC(),
		Params:   wire.Params,
	}, nil
}

// stamp truncates t to the millisecond precision the durable tier keeps so
// both tiers report the same timestamp for the same write.
func stamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
