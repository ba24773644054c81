package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fxpilot/internal/model"
)

// CachingCandleSource decorates a CandleSource with a Redis read-through
// cache so accounts scanning the same instrument in one tick share a fetch.
type CachingCandleSource struct {
	inner     CandleSource
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// NewCachingCandleSource wraps inner. A nil client bypasses the cache. A zero
// ttl derives one from the requested granularity.
func NewCachingCandleSource(rdb *redis.Client, ttl time.Duration, inner CandleSource, namespace string) *CachingCandleSource {
	if namespace == "" {
		namespace = "fxpilot:candles"
	}
	return &CachingCandleSource{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// Candles serves from cache when possible, otherwise from inner.
func (c *CachingCandleSource) Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error) {
	if c.rdb == nil {
		return c.inner.Candles(ctx, instrument, granularity, count)
	}

	key := c.cacheKey(instrument, granularity, count)

	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []model.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := c.inner.Candles(ctx, instrument, granularity, count)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttlFor(granularity)).Err()
	}
	return out, nil
}

// ttlFor keeps entries well inside one bar so a newly completed candle is
// picked up promptly.
func (c *CachingCandleSource) ttlFor(granularity string) time.Duration {
	if c.ttl > 0 {
		return c.ttl
	}
	ttl := GranularityDuration(granularity) / 5
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	return ttl
}

func (c *CachingCandleSource) cacheKey(instrument, granularity string, count int) string {
	return fmt.Sprintf("%s:%s:%s:%d", c.namespace, safe(instrument), safe(granularity), count)
}

func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, ":", "_")
}
