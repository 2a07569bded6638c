package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the same fixed-window accounting as WindowLimiter
// on top of Redis, so several gateway instances can share one budget. The
// counter key lives for exactly one window: the first increment opens the
// window and pins its expiry, and the count resets only when the key
// expires.
type RedisLimiter struct {
	client *redis.Client
	log    *slog.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed Limiter implementation.
func NewRedisLimiter(client *redis.Client, log *slog.Logger) Limiter {
	if log == nil {
		log = slog.Default()
	}

	return &RedisLimiter{
		client: client,
		log:    log,
	}
}

// Check increments the window counter for key and reports whether the call
// may proceed.
func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if l.client == nil {
		return nil, errors.New("redis client is not configured for rate limiting")
	}

	if limit <= 0 {
		return &Result{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(window)}, ErrLimitExceeded
	}

	now := time.Now()
	redisKey := "ratelimit:" + key

	pipe := l.client.TxPipeline()
	countCmd := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		if l.log != nil {
			l.log.Error("rate limiter pipeline failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, err
	}

	count := countCmd.Val()
	ttl := ttlCmd.Val()

	// A fresh window (count 1) has no expiry yet; a negative TTL on an
	// older key means a previous holder died between INCR and PEXPIRE.
	// Both pin the window end here.
	if count == 1 || ttl < 0 {
		ttl = window
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			if l.log != nil {
				l.log.Error("rate limiter failed to set window expiry", slog.String("key", key), slog.Any("error", err))
			}
			return nil, err
		}
	}

	resetAt := now.Add(ttl)

	if count > int64(limit) {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, ErrLimitExceeded
	}

	return &Result{
		Allowed:   true,
		Remaining: clampRemaining(limit - int(count)),
		ResetAt:   resetAt,
	}, nil
}
