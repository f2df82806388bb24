package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the console backend reads at startup.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Cache        CacheConfig        `koanf:"cache"`
	Remote       RemoteConfig       `koanf:"remote"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig shapes the archive collection cache.
type CacheConfig struct {
	Namespace string `koanf:"namespace"`
	KeyPrefix string `koanf:"keyPrefix"`
	TTL       string `koanf:"ttl"`
	// Epoch is bumped by operators to force every running instance to drop
	// its cached collections on the next config reload.
	Epoch          int                `koanf:"epoch"`
	DedupeInflight bool               `koanf:"dedupeInflight"`
	Durable        DurableCacheConfig `koanf:"durable"`
}

// TTLDuration parses TTL. Validate guarantees it is positive.
func (c CacheConfig) TTLDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.TTL))
	if err != nil {
		return 0
	}
	return d
}

type DurableCacheConfig struct {
	Backend    string            `koanf:"backend"`
	QuotaBytes int64             `koanf:"quotaBytes"`
	Redis      RedisCacheConfig  `koanf:"redis"`
	SQLite     SQLiteCacheConfig `koanf:"sqlite"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

// RemoteConfig points at the API server that owns the archive data. Paths are
// text/template sources rendered with the request parameters.
type RemoteConfig struct {
	BaseURL     string                  `koanf:"baseURL"`
	Token       string                  `koanf:"token"`
	Timeout     string                  `koanf:"timeout"`
	Collections RemoteCollectionsConfig `koanf:"collections"`
	Mutations   RemoteMutationsConfig   `koanf:"mutations"`
}

// TimeoutDuration parses Timeout, falling back to ten seconds.
func (c RemoteConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Timeout))
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

type RemoteCollectionsConfig struct {
	Stats   string `koanf:"stats"`
	Records string `koanf:"records"`
}

type RemoteMutationsConfig struct {
	Archive   string `koanf:"archive"`
	Unarchive string `koanf:"unarchive"`
	Delete    string `koanf:"delete"`
	Bulk      string `koanf:"bulk"`
}

// InvalidationConfig selects how cache invalidations reach other instances.
type InvalidationConfig struct {
	Backend string     `koanf:"backend"`
	NATS    NATSConfig `koanf:"nats"`
}

type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	if strings.TrimSpace(c.Cache.Namespace) == "" {
		return errors.New("config: cache.namespace required")
	}
	if strings.Contains(c.Cache.Namespace, ":") {
		return fmt.Errorf("config: cache.namespace must not contain ':': %s", c.Cache.Namespace)
	}
	ttl, err := time.ParseDuration(strings.TrimSpace(c.Cache.TTL))
	if err != nil {
		return fmt.Errorf("config: cache.ttl invalid: %w", err)
	}
	if ttl <= 0 {
		return fmt.Errorf("config: cache.ttl must be positive: %s", c.Cache.TTL)
	}
	if c.Cache.Epoch < 0 {
		return fmt.Errorf("config: cache.epoch invalid: %d", c.Cache.Epoch)
	}
	if c.Cache.Durable.QuotaBytes < 0 {
		return fmt.Errorf("config: cache.durable.quotaBytes invalid: %d", c.Cache.Durable.QuotaBytes)
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Durable.Backend)) {
	case "", "memory", "none":
	case "redis":
		if strings.TrimSpace(c.Cache.Durable.Redis.Address) == "" {
			return errors.New("config: cache.durable.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Cache.Durable.SQLite.Path) == "" {
			return errors.New("config: cache.durable.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.durable.backend unsupported: %s", c.Cache.Durable.Backend)
	}

	base := strings.TrimSpace(c.Remote.BaseURL)
	if base == "" {
		return errors.New("config: remote.baseURL required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: remote.baseURL invalid: %s", c.Remote.BaseURL)
	}
	if t := strings.TrimSpace(c.Remote.Timeout); t != "" {
		if _, err := time.ParseDuration(t); err != nil {
			return fmt.Errorf("config: remote.timeout invalid: %w", err)
		}
	}
	if strings.TrimSpace(c.Remote.Collections.Stats) == "" || strings.TrimSpace(c.Remote.Collections.Records) == "" {
		return errors.New("config: remote.collections.stats and remote.collections.records required")
	}

	switch strings.TrimSpace(strings.ToLower(c.Invalidation.Backend)) {
	case "", "none":
	case "nats":
		if strings.TrimSpace(c.Invalidation.NATS.URL) == "" {
			return errors.New("config: invalidation.nats.url required for nats backend")
		}
		if strings.TrimSpace(c.Invalidation.NATS.Subject) == "" {
			return errors.New("config: invalidation.nats.subject required for nats backend")
		}
	default:
		return fmt.Errorf("config: invalidation.backend unsupported: %s", c.Invalidation.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			Namespace:      "archive",
			KeyPrefix:      "stockconsole",
			TTL:            "5m",
			Epoch:          1,
			DedupeInflight: true,
			Durable: DurableCacheConfig{
				Backend: "memory",
			},
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:3000",
			Timeout: "10s",
			Collections: RemoteCollectionsConfig{
				Stats:   "/api/archive/stats{{ with .kind }}?kind={{ . | urlquery }}{{ end }}",
				Records: "/api/archive/records{{ with .query }}?{{ . }}{{ end }}",
			},
			Mutations: RemoteMutationsConfig{
				Archive:   "/api/archive/{{ .kind }}/{{ .id }}",
				Unarchive: "/api/archive/{{ .kind }}/{{ .id }}/restore",
				Delete:    "/api/archive/{{ .kind }}/{{ .id }}",
				Bulk:      "/api/archive/bulk",
			},
		},
		Invalidation: InvalidationConfig{
			Backend: "none",
			NATS: NATSConfig{
				Subject: "stockconsole.cache.invalidate",
			},
		},
	}
}
