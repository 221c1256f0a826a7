package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/tg-fetcher/internal/config"
	"github.com/wapuda/tg-fetcher/internal/quota"
)

// openStore picks the quota backend. The returned func releases it.
func openStore(ctx context.Context, c config.Config) (quota.Store, func(), error) {
	switch c.QuotaBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
		}
		log.Info().Str("addr", c.RedisAddr).Msg("quota store: redis")
		return quota.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := quota.NewPostgresStore(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Msg("quota store: postgres")
		return st, pool.Close, nil

	default:
		st, err := quota.NewFileStore(c.DataDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("dir", c.DataDir).Msg("quota store: file")
		return st, func() {}, nil
	}
}

// seedWhitelist adds the configured ids to an empty whitelist only, so
// /allow and /deny edits survive a restart.
func seedWhitelist(ctx context.Context, st quota.Store, ids []int64) error {
	current, err := st.Whitelist(ctx)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	if len(current) > 0 {
		return nil
	}
	for _, id := range ids {
		if err := st.AddWhitelist(ctx, id); err != nil {
			return fmt.Errorf("whitelist %d: %w", id, err)
		}
	}
	return nil
}
