package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the bus uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSOptions configures the NATS bus.
type NATSOptions struct {
	URL     string
	Subject string
	Name    string
	Logger  *slog.Logger
}

type natsBus struct {
	conn    natsConn
	subject string
	origin  string
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATS connects to NATS and returns a bus publishing on opts.Subject.
func NewNATS(opts NATSOptions) (Bus, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("invalidation: nats url required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "stockconsole"
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("invalidation: connect nats %s: %w", opts.URL, err)
	}
	return newNATSBus(conn, opts.Subject, NewOrigin(), logger)
}

func newNATSBus(conn natsConn, subject, origin string, logger *slog.Logger) (*natsBus, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("invalidation: nats subject required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &natsBus{
		conn:    conn,
		subject: subject,
		origin:  origin,
		logger:  logger.With(slog.String("agent", "invalidation")),
	}, nil
}

func (b *natsBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Origin = b.origin
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("invalidation: encode event: %w", err)
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("invalidation: publish %s: %w", b.subject, err)
	}
	return nil
}

func (b *natsBus) Subscribe(h Handler) error {
	if h == nil {
		return errors.New("invalidation: handler required")
	}
	_, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.deliver(msg.Data, h)
	})
	if err != nil {
		return fmt.Errorf("invalidation: subscribe %s: %w", b.subject, err)
	}
	return nil
}

func (b *natsBus) deliver(data []byte, h Handler) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn("invalidation event dropped", slog.String("error", err.Error()))
		return
	}
	if event.Origin == b.origin {
		return
	}
	if strings.TrimSpace(event.Namespace) == "" {
		b.logger.Warn("invalidation event without namespace", slog.String("origin", event.Origin))
		return
	}
	h(context.Background(), event)
}

func (b *natsBus) Origin() string { return b.origin }

func (b *natsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("invalidation: drain nats: %w", err)
	}
	return nil
}
