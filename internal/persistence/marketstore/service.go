package marketstore

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "marketpipe/internal/cache"
	"marketpipe/pkg/market"
)

// Service records validated market data to Postgres and mirrors it
// into Redis for cheap reads. It implements market.Persistence.
type Service struct {
	sqlConn sqlx.SqlConn
	redis   *redis.Redis
	ttl     cachekeys.TTLSet
}

// Config enumerates dependencies required to persist market data.
type Config struct {
	SQLConn sqlx.SqlConn
	Redis   *redis.Redis
	TTL     cachekeys.TTLSet
}

// NewService wires a persistence service. Returns nil when the SQL
// connection is missing so callers can treat persistence as optional.
func NewService(cfg Config) market.Persistence {
	if cfg.SQLConn == nil {
		return nil
	}
	return &Service{
		sqlConn: cfg.SQLConn,
		redis:   cfg.Redis,
		ttl:     cfg.TTL,
	}
}

// RecordSeries upserts a candle series in one round trip and refreshes
// the Redis mirror.
func (s *Service) RecordSeries(ctx context.Context, provider string, series market.Series) error {
	if s == nil || s.sqlConn == nil || strings.TrimSpace(series.TokenID) == "" || len(series.Candles) == 0 {
		return nil
	}
	stmt := `
INSERT INTO public.ohlc_candles (provider, token_id, currency, days, ts_ms, open, high, low, close, created_at, updated_at)
SELECT $1, $2, $3, $4, unnest($5::bigint[]), unnest($6::double precision[]), unnest($7::double precision[]), unnest($8::double precision[]), unnest($9::double precision[]), NOW(), NOW()
ON CONFLICT (provider, token_id, currency, days, ts_ms) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    updated_at = NOW();`

	n := len(series.Candles)
	timestamps := make([]int64, 0, n)
	opens := make([]float64, 0, n)
	highs := make([]float64, 0, n)
	lows := make([]float64, 0, n)
	closes := make([]float64, 0, n)
	for _, c := range series.Candles {
		timestamps = append(timestamps, c.Timestamp.UnixMilli())
		opens = append(opens, c.Open)
		highs = append(highs, c.High)
		lows = append(lows, c.Low)
		closes = append(closes, c.Close)
	}
	if _, err := s.sqlConn.ExecCtx(ctx, stmt,
		provider,
		series.TokenID,
		series.Currency,
		series.Days,
		pq.Array(timestamps),
		pq.Array(opens),
		pq.Array(highs),
		pq.Array(lows),
		pq.Array(closes),
	); err != nil {
		return err
	}

	s.cacheSeries(ctx, provider, series)
	return nil
}

// RecordPrice upserts the latest price and refreshes the Redis mirror.
func (s *Service) RecordPrice(ctx context.Context, provider string, quote market.PriceQuote) error {
	if s == nil || s.sqlConn == nil || strings.TrimSpace(quote.TokenID) == "" {
		return nil
	}
	stmt := `
INSERT INTO public.price_latest (provider, token_id, currency, price, ts_ms, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
ON CONFLICT (provider, token_id, currency) DO UPDATE SET
    price = EXCLUDED.price,
    ts_ms = EXCLUDED.ts_ms,
    updated_at = NOW();`
	at := quote.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := s.sqlConn.ExecCtx(ctx, stmt,
		provider,
		quote.TokenID,
		quote.Currency,
		quote.Price,
		at.UnixMilli(),
	); err != nil {
		return err
	}

	s.cachePrice(ctx, provider, quote, at)
	return nil
}

func (s *Service) cacheSeries(ctx context.Context, provider string, series market.Series) {
	if s.redis == nil {
		return
	}
	// The mirror outlives the fresh TTL so stale reads survive an outage.
	ttl := s.ttl.Scaled(cachekeys.TTLMedium, 2)
	if ttl <= 0 {
		return
	}
	payload, err := msgpack.Marshal(series)
	if err != nil {
		logx.WithContext(ctx).Errorf("marketstore: encode series %s: %v", series.Key(), err)
		return
	}
	key := cachekeys.OHLCSeriesKey(provider, series.TokenID, series.Currency, series.Days)
	if err := s.redis.SetexCtx(ctx, key, string(payload), seconds(ttl)); err != nil {
		logx.WithContext(ctx).Errorf("marketstore: cache series key=%s err=%v", key, err)
	}
}

func (s *Service) cachePrice(ctx context.Context, provider string, quote market.PriceQuote, at time.Time) {
	if s.redis == nil {
		return
	}
	ttl := s.ttl.Duration(cachekeys.TTLShort)
	if ttl <= 0 {
		return
	}
	quote.At = at
	payload, err := msgpack.Marshal(quote)
	if err != nil {
		logx.WithContext(ctx).Errorf("marketstore: encode price %s: %v", quote.TokenID, err)
		return
	}
	key := cachekeys.PriceLatestKey(provider, quote.TokenID, quote.Currency)
	if err := s.redis.SetexCtx(ctx, key, string(payload), seconds(ttl)); err != nil {
		logx.WithContext(ctx).Errorf("marketstore: cache price key=%s err=%v", key, err)
	}
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
