// Package app wires configuration into the services both binaries share.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/ratelimit"
	"github.com/timmy/playermarket/internal/repository"
	"github.com/timmy/playermarket/internal/service"
	"github.com/timmy/playermarket/internal/source"
	"github.com/timmy/playermarket/internal/source/fixture"
	"github.com/timmy/playermarket/internal/source/marketplace"
	"github.com/timmy/playermarket/internal/storage"
	"gorm.io/gorm"
)

// App holds the long-lived collaborators of a process.
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Broadcaster  *progress.Broadcaster
	Source       source.Source
	MarketValues *service.MarketValueService
	Orchestrator *service.Orchestrator
	Chunks       *service.ChunkController

	redis *redis.Client
}

// New builds every collaborator from cfg.
// Parameters:
//   - cfg: loaded configuration.
// Returns:
//   - *App: wired application; call Close when done.
//   - error: non-nil if the database, source or storage cannot be set up.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db

	a.Registry = prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.New(a.Registry, cfg.Metrics.Namespace)
	}

	a.Broadcaster = progress.NewBroadcaster(progress.Options{
		MaxLifetime: cfg.Progress.MaxSubscriptionLifetime,
		BufferSize:  cfg.Progress.BufferSize,
		Metrics:     a.Metrics,
	})

	if a.Source, err = a.newSource(); err != nil {
		a.Close()
		return nil, err
	}

	var archive *storage.SnapshotArchive
	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if s3, ok := store.(*storage.S3Storage); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		// archive writes fail soft, so a missing bucket only warns here
		if err := s3.EnsureBucket(ctx); err != nil {
			logger.Warn("Snapshot bucket unavailable: %v", err)
		}
		cancel()
	}
	if store != nil {
		archive = storage.NewSnapshotArchive(store, cfg.Storage.Prefix)
	}

	players := repository.NewPlayerRepository(db)
	sales := repository.NewSaleRepository(db)
	listings := repository.NewListingRepository(db)
	checkpoints := repository.NewCheckpointRepository(db)

	a.MarketValues = service.NewMarketValueService(players, sales, archive, a.Metrics, cfg.MarketValue)

	stages := service.NewStages(service.StageDeps{
		Source:       a.Source,
		Players:      players,
		Sales:        sales,
		Listings:     listings,
		Checkpoints:  checkpoints,
		MarketValues: a.MarketValues,
		Metrics:      a.Metrics,
	}, service.StageConfig{
		PageSize:    cfg.Marketplace.PageSize,
		Concurrency: cfg.Marketplace.Concurrency,
		MaxErrors:   cfg.Sync.MaxStageErrors,
	})

	a.Orchestrator = service.NewOrchestrator(service.OrchestratorDeps{
		Stages:      stages,
		Executions:  repository.NewExecutionRepository(db),
		RunStates:   repository.NewRunStateRepository(db),
		Checkpoints: checkpoints,
		Locks:       repository.NewLockRepository(db),
		Players:     players,
		Sales:       sales,
		Listings:    listings,
		Progress:    a.Broadcaster,
		Metrics:     a.Metrics,
	}, cfg.Sync)
	a.Chunks = service.NewChunkController(a.Orchestrator)

	return a, nil
}

// newSource builds the marketplace adapter, or the offline fixture adapter.
func (a *App) newSource() (source.Source, error) {
	cfg := a.Config.Marketplace
	if cfg.Mode == "fixture" {
		logger.Info("Using fixture marketplace source at %s", cfg.FixturePath)
		return fixture.NewAdapter(cfg.FixturePath), nil
	}

	if cfg.RateLimit.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
	}
	limiter, err := ratelimit.New(cfg.RateLimit, a.redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	adapter, err := marketplace.NewAdapter(marketplace.Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, limiter, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize marketplace adapter: %w", err)
	}
	return adapter, nil
}

// Ping checks the record store.
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database, redis and progress subscribers.
func (a *App) Close() {
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
