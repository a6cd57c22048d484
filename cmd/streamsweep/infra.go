package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/voyagen/streamsweep/internal/cache"
	"github.com/voyagen/streamsweep/internal/config"
	"github.com/voyagen/streamsweep/internal/metrics"
	"github.com/voyagen/streamsweep/internal/store"
)

const (
	runLockName = "run"
	runLockTTL = 6 * time.Hour
)

// infra holds the opened infrastructure shared by the commands.
type infra struct {
	logger  *log.Logger
	store   *store.Partitioned
	redis   *cache.Redis
	closers []func()
}

func (r *infra) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// openInfra opens the configured backend, wraps it with the Redis cache
// when REDIS_URL is set, and builds the partitioned store on top.
func openInfra(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*infra, error) {
	rt := &infra{logger: newLogger()}

	backend, err := openBackend(ctx, cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		rds, err := cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { rds.Close() })
		rt.redis = rds
		backend = store.NewCachedBackend(backend, rds, store.DefaultCacheTTL)
		rt.logger.Println("redis connected (partition cache and run lock enabled)")
	} else {
		rt.logger.Println("redis disabled (REDIS_URL not set)")
	}

	rt.store = store.New(backend, store.WithLogger(rt.logger), store.WithMetrics(m))
	return rt, nil
}

func openBackend(ctx context.Context, cfg *config.Config, rt *infra) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		b, err := store.NewFileBackend(cfg.DataDir, cfg.ShardSize, store.WithPlaylists(cfg.ExportPlaylists))
		if err != nil {
			return nil, err
		}
		rt.logger.Printf("store: file backend at %s", cfg.DataDir)
		return b, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		rt.closers = append(rt.closers, func() { db.Close() })
		rt.logger.Printf("store: sqlite backend at %s", cfg.SQLitePath)
		return db, nil
	case config.BackendPostgres:
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		rt.logger.Println("store: postgres backend")
		return pg, nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.Backend)
	}
}
