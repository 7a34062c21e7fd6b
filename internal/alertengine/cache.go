package alertengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tonypi-fleet/control-plane/internal/platform/cache"
)

// thresholdCacheTTL keeps a resolved threshold warm long enough to absorb a
// burst of samples for a hot (robot_id, metric) pair without round-tripping
// to the Entity Store on every observation.
const thresholdCacheTTL = 30 * time.Second

// resolvedThreshold is the cached shape: a Threshold override merged with
// its MetricDefault, or a pure default when no override exists.
type resolvedThreshold struct {
	WarnValue   float64 `json:"warn_value"`
	CritValue   float64 `json:"crit_value"`
	HysteresisW float64 `json:"hysteresis_warn"`
	HysteresisC float64 `json:"hysteresis_crit"`
	Direction   string  `json:"direction"`
	Configured  bool    `json:"configured"`
}

// thresholdCache is the narrow cache contract the engine depends on. Two
// implementations exist: a Redis-backed one for multi-process deployments,
// and a process-local one (internal/platform/cache) for standalone/dev use.
type thresholdCache interface {
	get(ctx context.Context, key string) (resolvedThreshold, bool)
	set(ctx context.Context, key string, v resolvedThreshold)
	invalidate(ctx context.Context, robotID string)
}

func thresholdCacheKey(robotID, metric string) string {
	return "thresholds:" + robotID + ":" + metric
}

// redisThresholdCache backs the threshold cache with a shared Redis
// instance, so every server process sees admin threshold edits promptly.
type redisThresholdCache struct {
	client *redis.Client
}

func newRedisThresholdCache(addr string) *redisThresholdCache {
	return &redisThresholdCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *redisThresholdCache) get(ctx context.Context, key string) (resolvedThreshold, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return resolvedThreshold{}, false
	}
	var v resolvedThreshold
	if err := json.Unmarshal(raw, &v); err != nil {
		return resolvedThreshold{}, false
	}
	return v, true
}

func (c *redisThresholdCache) set(ctx context.Context, key string, v resolvedThreshold) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, raw, thresholdCacheTTL)
}

func (c *redisThresholdCache) invalidate(ctx context.Context, robotID string) {
	keys, err := c.client.Keys(ctx, "thresholds:"+robotID+":*").Result()
	if err != nil || len(keys) == 0 {
		return
	}
	c.client.Del(ctx, keys...)
}

// localThresholdCache wraps the process-local TTL cache used when
// REDIS_ADDR is unset, so the engine runs standalone in development.
type localThresholdCache struct {
	c *cache.Cache
}

func newLocalThresholdCache() *localThresholdCache {
	return &localThresholdCache{c: cache.New(cache.DefaultConfig())}
}

func (l *localThresholdCache) get(_ context.Context, key string) (resolvedThreshold, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return resolvedThreshold{}, false
	}
	rt, ok := v.(resolvedThreshold)
	return rt, ok
}

func (l *localThresholdCache) set(_ context.Context, key string, v resolvedThreshold) {
	l.c.Set(key, v, thresholdCacheTTL)
}

func (l *localThresholdCache) invalidate(_ context.Context, robotID string) {
	l.c.InvalidatePrefix("thresholds:" + robotID + ":")
}
