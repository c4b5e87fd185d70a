package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"nexus-core/internal/telemetry"
)

// Cache memoizes external-service results in Redis, keyed by content hash.
// It is strictly an optimization: every failure path degrades to a miss and
// job execution proceeds without it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a result cache with the given TTL.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Key computes a stable content hash over the job type and its input.
// encoding/json marshals map keys in sorted order, so two inputs that are
// equal as maps produce the same key regardless of submission order.
func Key(jobType string, input map[string]any) string {
	normalized, err := json.Marshal(input)
	if err != nil {
		normalized = nil
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached output for key. Backend errors are swallowed and
// reported as a miss; the caller just loses the optimization.
func (c *Cache) Get(ctx context.Context, key string) (map[string]any, bool) {
	raw, err := c.client.Get(ctx, "cache:result:"+key).Bytes()
	if err == redis.Nil {
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache entry corrupt, treating as miss")
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	telemetry.CacheHits.Inc()
	return out, true
}

// Set stores the output under key with the configured TTL. Failures are
// logged and ignored.
func (c *Cache) Set(ctx context.Context, key string, value map[string]any) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set: marshal failed")
		return
	}
	if err := c.client.Set(ctx, "cache:result:"+key, raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}
