package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"chatnow/tools/errs"
)

// Config initializes a redis client.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// New dials and pings. The caller owns the client and closes it on shutdown.
func New(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("redis ping", "addr", c.Addr, "err", err)
	}
	return rdb, nil
}
