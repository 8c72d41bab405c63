package controlplane

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// limiter is the common surface slidingLimiter and redisLimiter both
// satisfy, letting the control plane switch backends without touching
// the middleware.
type limiter interface {
	Allow(identity string) bool
}

// redisLimiter is the distributed counterpart to slidingLimiter: a
// fixed-window counter keyed per identity and window bucket, shared
// across every control-plane instance behind the same Redis (spec.md
// §4.9's rate limit, multi-instance deployment). A down or slow Redis
// fails open rather than taking the control plane's writes with it.
type redisLimiter struct {
	client *redis.Client
	rpm    int
	window time.Duration
}

func newRedisLimiter(client *redis.Client, rpm, windowSeconds int) *redisLimiter {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &redisLimiter{client: client, rpm: rpm, window: time.Duration(windowSeconds) * time.Second}
}

func (r *redisLimiter) Allow(identity string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	bucket := time.Now().Unix() / int64(r.window.Seconds())
	key := "gateway:ratelimit:" + identity + ":" + strconv.FormatInt(bucket, 10)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}
	return count <= int64(r.rpm)
}

var _ limiter = (*slidingLimiter)(nil)
var _ limiter = (*redisLimiter)(nil)
