// Package kv provides the durable key/value tier used behind the in-process
// collection caches. Values are opaque serialized text; callers own the
// encoding.
package kv

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by SetItem when the backend refuses a write
// because it ran out of space.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Store is a process-wide key/value namespace. Implementations must be safe
// for concurrent use. Callers must not assume exclusive ownership of the whole
// keyspace and should confine themselves to a reserved prefix.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	// Keys lists every key starting with prefix. An empty prefix lists all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}
