package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSlidingWindow implements the same sliding window as SlidingWindow on a
// Redis sorted set per key, so several gateway nodes can share one budget.
type RedisSlidingWindow struct {
	client   redis.Cmdable
	rule     Rule
	prefix   string
	fallback bool
	now      func() time.Time
	logger   *zap.Logger
}

// NewRedisSlidingWindow creates a Redis-backed limiter. With fallback set, a
// Redis failure admits the event (fail-open) instead of returning an error.
func NewRedisSlidingWindow(client redis.Cmdable, rule Rule, prefix string, logger *zap.Logger, fallback bool) *RedisSlidingWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSlidingWindow{
		client:   client,
		rule:     rule,
		prefix:   prefix,
		fallback: fallback,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces time.Now, for tests.
func (l *RedisSlidingWindow) SetClock(now func() time.Time) {
	l.now = now
}

func (l *RedisSlidingWindow) key(key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)
}

// Allow records an attempt for key and reports whether it fits the window.
// When Redis fails the fallback decides the answer.
func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	zkey := l.key(key)
	cutoff := now.Add(-l.rule.Window).UnixMicro()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, zkey, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString(),
	})
	pipe.ZRemRangeByRank(ctx, zkey, 0, int64(-(l.rule.Max + 2)))
	card := pipe.ZCard(ctx, zkey)
	pipe.PExpire(ctx, zkey, l.rule.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed", zap.String("key", zkey), zap.Error(err))
		if l.fallback {
			l.logger.Warn("rate limit check failed, allowing request (fail-open)", zap.String("key", key))
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := card.Val() <= int64(l.rule.Max)
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", card.Val()),
			zap.Int("limit", l.rule.Max),
		)
	}
	return allowed, nil
}

// Reset deletes the sorted set behind key.
func (l *RedisSlidingWindow) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}
