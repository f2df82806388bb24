package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are merged in order, later files winning.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files reports the non-empty config file paths the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

var envCanonical = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"cache.keyprefix":                  "cache.keyPrefix",
	"cache.dedupeinflight":             "cache.dedupeInflight",
	"cache.durable.quotabytes":         "cache.durable.quotaBytes",
	"cache.durable.redis.tls.cafile":   "cache.durable.redis.tls.caFile",
	"remote.baseurl":                   "remote.baseURL",
}

// Load assembles the effective snapshot and validates it.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__DURABLE__BACKEND -> cache.durable.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"cache": map[string]any{
			"namespace":      cfg.Cache.Namespace,
			"keyPrefix":      cfg.Cache.KeyPrefix,
			"ttl":            cfg.Cache.TTL,
			"epoch":          cfg.Cache.Epoch,
			"dedupeInflight": cfg.Cache.DedupeInflight,
			"durable": map[string]any{
				"backend":    cfg.Cache.Durable.Backend,
				"quotaBytes": cfg.Cache.Durable.QuotaBytes,
				"redis": map[string]any{
					"address":  cfg.Cache.Durable.Redis.Address,
					"username": cfg.Cache.Durable.Redis.Username,
					"password": cfg.Cache.Durable.Redis.Password,
					"db":       cfg.Cache.Durable.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Cache.Durable.Redis.TLS.Enabled,
						"caFile":  cfg.Cache.Durable.Redis.TLS.CAFile,
					},
				},
				"sqlite": map[string]any{
					"path": cfg.Cache.Durable.SQLite.Path,
				},
			},
		},
		"remote": map[string]any{
			"baseURL": cfg.Remote.BaseURL,
			"token":   cfg.Remote.Token,
			"timeout": cfg.Remote.Timeout,
			"collections": map[string]any{
				"stats":   cfg.Remote.Collections.Stats,
				"records": cfg.Remote.Collections.Records,
			},
			"mutations": map[string]any{
				"archive":   cfg.Remote.Mutations.Archive,
				"unarchive": cfg.Remote.Mutations.Unarchive,
				"delete":    cfg.Remote.Mutations.Delete,
				"bulk":      cfg.Remote.Mutations.Bulk,
			},
		},
		"invalidation": map[string]any{
			"backend": cfg.Invalidation.Backend,
			"nats": map[string]any{
				"url":     cfg.Invalidation.NATS.URL,
				"subject": cfg.Invalidation.NATS.Subject,
			},
		},
	}
}
