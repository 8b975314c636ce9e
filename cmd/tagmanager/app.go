package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tagmanager/internal/cache"
	"tagmanager/internal/classifier"
	"tagmanager/internal/config"
	"tagmanager/internal/log"
	"tagmanager/internal/metrics"
	"tagmanager/internal/paths"
	"tagmanager/internal/pipeline"
	"tagmanager/internal/queue"
	"tagmanager/internal/repository"
	"tagmanager/internal/service"
	"tagmanager/internal/storage"
)

const cycleLockKey = "tagmanager:cycle:lock"

// app holds every long-lived dependency shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	gateway  repository.Gateway
	redis    *redis.Client
	triggers *queue.Publisher
	pipeline *pipeline.Pipeline
	cycles   *service.CycleService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(cfg.Environment, cfg.Logging)

	resolver := paths.NewResolver(cfg.Paths)
	if err := resolver.EnsureRoots(); err != nil {
		return nil, err
	}

	gateway, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(prometheus.NewRegistry()),
		gateway: gateway,
	}

	a.pipeline = pipeline.New(gateway, classifier.New(cfg.Classifier, logger), resolver,
		pipeline.OptionsFromConfig(cfg.Ingest), a.metrics, logger)

	if cfg.ObjectStore.Enabled {
		store, err := storage.NewObjectStore(cfg.ObjectStore, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensure buckets failed")
		}
		a.pipeline.SetMirror(store)
	}

	opts := service.CycleServiceOptions{
		ImportDir: resolver.ImportRoot(),
		Metrics:   a.metrics,
	}
	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		a.triggers = queue.NewPublisher(client, cfg.Redis.Stream)
		opts.Redis = client
		opts.Lock = cache.NewRedisLock(client, cycleLockKey, cfg.Redis.LockTTL)
		opts.Events = queue.NewPublisher(client, cfg.Redis.Events)
	}
	a.cycles = service.NewCycleService(a.pipeline, opts, logger)

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("import", resolver.ImportRoot()).
		Bool("redis", a.redis != nil).
		Bool("mirror", cfg.ObjectStore.Enabled).
		Msg("tagmanager ready")
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis close error")
		}
	}
	a.gateway.Close()
}
