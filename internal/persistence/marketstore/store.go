package marketstore

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/stores/redis"

	cachekeys "marketpipe/internal/cache"
	"marketpipe/pkg/market"
)

// SeriesStore is the durable tier behind the in-memory series cache.
// Values are msgpack-encoded into Redis under a fetch-state key so a
// restarted process can serve recent data without hitting the
// upstream. Implements fetchcache.Store[market.Series].
type SeriesStore struct {
	redis *redis.Redis
}

// NewSeriesStore returns nil when Redis is not configured, which the
// cache manager treats as "no durable tier".
func NewSeriesStore(r *redis.Redis) *SeriesStore {
	if r == nil {
		return nil
	}
	return &SeriesStore{redis: r}
}

func (s *SeriesStore) Get(ctx context.Context, key string) (market.Series, bool, error) {
	var zero market.Series
	raw, err := s.redis.GetCtx(ctx, cachekeys.FetchStateKey(key))
	if err != nil {
		return zero, false, fmt.Errorf("marketstore: get %s: %w", key, err)
	}
	if raw == "" {
		return zero, false, nil
	}
	var series market.Series
	if err := msgpack.Unmarshal([]byte(raw), &series); err != nil {
		return zero, false, fmt.Errorf("marketstore: decode %s: %w", key, err)
	}
	return series, true, nil
}

func (s *SeriesStore) Set(ctx context.Context, key string, value market.Series, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("marketstore: encode %s: %w", key, err)
	}
	if err := s.redis.SetexCtx(ctx, cachekeys.FetchStateKey(key), string(payload), seconds(ttl)); err != nil {
		return fmt.Errorf("marketstore: set %s: %w", key, err)
	}
	return nil
}
