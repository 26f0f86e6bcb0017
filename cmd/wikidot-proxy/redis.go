package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// connectRedis opens the cache connection and waits until Redis answers a
// PING or timeout elapses. Containers often start Redis after the proxy.
func connectRedis(ctx context.Context, opts *redis.Options, timeout time.Duration, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	ping := func() error {
		return rdb.Ping(ctx).Err()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("wait", wait).Str("addr", opts.Addr).Msg("Redis not ready")
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
