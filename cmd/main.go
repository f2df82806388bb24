package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/stockconsole/internal/archive"
	"github.com/l0p7/stockconsole/internal/collection"
	"github.com/l0p7/stockconsole/internal/config"
	"github.com/l0p7/stockconsole/internal/invalidation"
	"github.com/l0p7/stockconsole/internal/kv"
	"github.com/l0p7/stockconsole/internal/logging"
	"github.com/l0p7/stockconsole/internal/metrics"
	"github.com/l0p7/stockconsole/internal/remote"
	"github.com/l0p7/stockconsole/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, toml or json)")
		envPrefix  = flag.String("env-prefix", "STOCKCONSOLE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	durable := buildDurableStore(ctx, logger.With(slog.String("agent", "cache_factory")), cfg.Cache.Durable)
	if durable != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := durable.Close(closeCtx); err != nil {
				logger.Error("durable cache shutdown failed", slog.Any("error", err))
			}
		}()
	}

	ns, err := collection.NewNamespace(collection.Options{
		Name:           cfg.Cache.Namespace,
		KeyPrefix:      cfg.Cache.KeyPrefix,
		TTL:            cfg.Cache.TTLDuration(),
		Durable:        durable,
		DedupeInflight: cfg.Cache.DedupeInflight,
		Logger:         logger,
		Metrics:        metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("build cache namespace: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweepLoop(sweepCtx, ns, ns.TTL(), logger)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	client, err := remote.New(remote.Options{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.TimeoutDuration(),
		Routes:  archive.Routes(cfg.Remote),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build remote client: %w", err)
	}

	bus := buildInvalidationBus(logger, cfg.Invalidation)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("invalidation bus shutdown failed", slog.Any("error", err))
		}
	}()
	if err := bus.Subscribe(peerInvalidator(ns, logger)); err != nil {
		logger.Error("invalidation subscribe failed", slog.Any("error", err))
	}

	svc, err := archive.NewService(ns, archive.NewRemoteAPI(client), bus, logger)
	if err != nil {
		return fmt.Errorf("build archive service: %w", err)
	}

	if strings.TrimSpace(configFile) != "" {
		watcher, err := loader.Watch(ctx, epochWatcher(ctx, ns, cfg.Cache.Epoch, logger), func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Archive:           svc,
		Metrics:           metricsRecorder,
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// buildDurableStore returns nil when the durable tier is disabled. Backends
// that fail to initialize fall back to the in-process store.
func buildDurableStore(ctx context.Context, logger *slog.Logger, cfg config.DurableCacheConfig) kv.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "none":
		logger.Info("durable cache disabled")
		return nil
	case "", "memory":
		logger.Info("using memory durable cache", slog.Int64("quota_bytes", cfg.QuotaBytes))
		return kv.NewMemory(cfg.QuotaBytes)
	case "redis":
		store, err := kv.NewRedis(ctx, kv.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: kv.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return kv.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using redis durable cache", slog.String("address", cfg.Redis.Address))
		return store
	case "sqlite":
		store, err := kv.NewSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return kv.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using sqlite durable cache", slog.String("path", cfg.SQLite.Path))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return kv.NewMemory(cfg.QuotaBytes)
	}
}

func buildInvalidationBus(logger *slog.Logger, cfg config.InvalidationConfig) invalidation.Bus {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "nats":
		bus, err := invalidation.NewNATS(invalidation.NATSOptions{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("nats invalidation bus failed, invalidations stay local", slog.Any("error", err))
			return invalidation.NewLocal(logger)
		}
		logger.Info("using nats invalidation bus", slog.String("subject", cfg.NATS.Subject))
		return bus
	default:
		return invalidation.NewLocal(logger)
	}
}

// peerInvalidator applies invalidations announced by other instances.
func peerInvalidator(ns *collection.Namespace, logger *slog.Logger) invalidation.Handler {
	return func(ctx context.Context, event invalidation.Event) {
		if event.Namespace != ns.Name() {
			return
		}
		if err := ns.InvalidateFrom(ctx, "peer", event.Prefix); err != nil {
			logger.Warn("peer invalidation failed",
				slog.String("origin", event.Origin),
				slog.Any("error", err),
			)
		}
	}
}

// sweepLoop periodically drops expired entries that no request revisits.
func sweepLoop(ctx context.Context, ns *collection.Namespace, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := ns.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("cache sweep failed", slog.Any("error", err))
			}
		}
	}
}

// epochWatcher busts the namespace whenever a reloaded config raises cache.epoch.
func epochWatcher(ctx context.Context, ns *collection.Namespace, epoch int, logger *slog.Logger) func(config.Config) {
	var mu sync.Mutex
	current := epoch
	return func(cfg config.Config) {
		mu.Lock()
		defer mu.Unlock()
		if cfg.Cache.Epoch <= current {
			return
		}
		logger.Info("cache epoch raised", slog.Int("from", current), slog.Int("to", cfg.Cache.Epoch))
		current = cfg.Cache.Epoch
		if err := ns.InvalidateFrom(ctx, "epoch", ""); err != nil {
			logger.Error("epoch invalidation failed", slog.Any("error", err))
		}
	}
}
