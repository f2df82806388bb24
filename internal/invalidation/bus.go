package invalidation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Event announces that a namespace prefix was invalidated by Origin.
type Event struct {
	Namespace string `json:"namespace"`
	Prefix    string `json:"prefix"`
	Origin    string `json:"origin"`
}

// Handler applies an invalidation announced by another instance.
type Handler func(ctx context.Context, event Event)

// Bus carries invalidation events between console instances that share a
// durable tier but keep their own memory tier.
type Bus interface {
	// Publish stamps the event with the bus origin and sends it.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers h for events published by other origins.
	Subscribe(h Handler) error
	Origin() string
	Close() error
}

// NewOrigin returns a fresh process identity.
func NewOrigin() string {
	return uuid.NewString()
}

type localBus struct {
	origin string
	logger *slog.Logger
}

// NewLocal returns a bus for single-instance deployments. Publishing only
// logs since local invalidation has already happened.
func NewLocal(logger *slog.Logger) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &localBus{origin: NewOrigin(), logger: logger.With(slog.String("agent", "invalidation"))}
}

func (b *localBus) Publish(ctx context.Context, event Event) error {
	b.logger.DebugContext(ctx, "invalidation kept local",
		slog.String("namespace", event.Namespace),
		slog.String("prefix", event.Prefix),
	)
	return nil
}

func (b *localBus) Subscribe(Handler) error { return nil }

func (b *localBus) Origin() string { return b.origin }

func (b *localBus) Close() error { return nil }
