package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/duangjit/backend/internal/config"
	"github.com/duangjit/backend/internal/lock"
	"github.com/duangjit/backend/internal/repository"
)

func openStore(ctx context.Context, cfg config.Config) (*repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return repository.OpenMemory(), nil
	case config.BackendSQLite:
		return repository.OpenSQLite(cfg.SQLitePath)
	case config.BackendPostgres:
		return repository.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newLocker returns a Redis locker when url is set so replicas share
// account locks; otherwise locks are per process.
func newLocker(ctx context.Context, url string, logger *slog.Logger) (lock.Locker, error) {
	if url == "" {
		return lock.NewKeyed(), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return lock.NewRedis(client, lock.WithRedisLogger(logger)), nil
}
