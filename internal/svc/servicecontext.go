package svc

import (
	"context"
	"errors"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "marketpipe/internal/cache"
	"marketpipe/internal/config"
	"marketpipe/internal/persistence/marketstore"
	"marketpipe/pkg/breaker"
	"marketpipe/pkg/clock"
	"marketpipe/pkg/coalesce"
	"marketpipe/pkg/fetchcache"
	marketpkg "marketpipe/pkg/market"
	"marketpipe/pkg/market/coingecko"
	"marketpipe/pkg/ratelimit"
)

// ServiceContext is the composition root. Every pipeline stage is an
// explicit, constructible object wired here; nothing is a process-wide
// singleton.
type ServiceContext struct {
	Config config.Config

	Clock   clock.Scheduler
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker

	MarketConfig    *marketpkg.Config
	MarketProviders map[string]marketpkg.Provider
	DefaultMarket   marketpkg.Provider
	defaultName     string
	fallbackMarket  marketpkg.Provider

	SeriesCache *fetchcache.Manager[marketpkg.Series]
	PriceCache  *fetchcache.Manager[marketpkg.PriceQuote]
	Queue       *coalesce.Queue[marketpkg.Series]

	Persistence marketpkg.Persistence
	DBConn      sqlx.SqlConn
	Redis       *redis.Redis
	TTL         cachekeys.TTLSet
}

func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{
		Config: c,
		Clock:  clock.NewSystem(),
		TTL:    cachekeys.NewTTLSet(c.TTL),
	}
	r := c.Resilience

	svc.Limiter = ratelimit.New(r.MaxRequestsPerWindow, r.Window(), ratelimit.WithClock(svc.Clock))
	svc.Breaker = breaker.New(breaker.Config{
		FailureThreshold: r.CircuitFailureThreshold,
		ResetTimeout:     r.CircuitResetTimeout(),
	}, breaker.WithClock(svc.Clock))

	if c.Market.Value == nil {
		log.Fatalf("config: market section is required")
	}
	svc.MarketConfig = c.Market.Value
	providers, err := svc.MarketConfig.BuildProviders()
	if err != nil {
		log.Fatalf("failed to build market providers: %v", err)
	}
	svc.MarketProviders = providers
	svc.defaultName = svc.MarketConfig.Default
	if svc.defaultName == "" {
		for name := range providers {
			svc.defaultName = name
			break
		}
	}
	svc.DefaultMarket = providers[svc.defaultName]
	for name, provider := range providers {
		// The guards are shared across providers deliberately: the
		// limiter protects our quota, the breaker keeps per-service
		// state internally.
		if cg, ok := provider.(*coingecko.Provider); ok {
			cg.Client().SetGuards(svc.Limiter, svc.Breaker)
		}
		if name != svc.defaultName && svc.fallbackMarket == nil {
			svc.fallbackMarket = provider
		}
	}

	if c.Postgres.DSN != "" {
		svc.DBConn = sqlx.NewSqlConn("pgx", c.Postgres.DSN)
	}
	if c.Redis.Host != "" {
		svc.Redis = redis.MustNewRedis(c.Redis)
	}
	svc.Persistence = marketstore.NewService(marketstore.Config{
		SQLConn: svc.DBConn,
		Redis:   svc.Redis,
		TTL:     svc.TTL,
	})

	seriesValidator := marketpkg.NewSeriesValidator(marketpkg.SeriesValidatorConfig{
		MinValidRatio: svc.minValidRatio(),
	})
	seriesOpts := []fetchcache.Option[marketpkg.Series]{
		fetchcache.WithClock[marketpkg.Series](svc.Clock),
		fetchcache.WithTTL[marketpkg.Series](r.CacheTTL()),
		fetchcache.WithMaxAttempts[marketpkg.Series](r.MaxRetries + 1),
		fetchcache.WithBackoffBase[marketpkg.Series](r.BackoffBase()),
		fetchcache.WithStaleAllowed[marketpkg.Series](r.StaleCacheAllowed),
		fetchcache.WithValidator[marketpkg.Series](func(s marketpkg.Series) fetchcache.Validation {
			v := seriesValidator.ValidateSeries(s.Candles)
			return fetchcache.Validation{
				Valid:      v.Valid,
				Errors:     v.Errors,
				Warnings:   v.Warnings,
				Confidence: v.Confidence,
			}
		}),
	}
	if store := marketstore.NewSeriesStore(svc.Redis); store != nil {
		seriesOpts = append(seriesOpts, fetchcache.WithStore[marketpkg.Series](store))
	}
	svc.SeriesCache = fetchcache.NewManager(seriesOpts...)

	svc.PriceCache = fetchcache.NewManager(
		fetchcache.WithClock[marketpkg.PriceQuote](svc.Clock),
		fetchcache.WithTTL[marketpkg.PriceQuote](svc.TTL.Duration(cachekeys.TTLShort)),
		fetchcache.WithMaxAttempts[marketpkg.PriceQuote](r.MaxRetries+1),
		fetchcache.WithBackoffBase[marketpkg.PriceQuote](r.BackoffBase()),
		fetchcache.WithStaleAllowed[marketpkg.PriceQuote](r.StaleCacheAllowed),
		fetchcache.WithValidator[marketpkg.PriceQuote](func(q marketpkg.PriceQuote) fetchcache.Validation {
			v := marketpkg.ValidatePrice(q)
			return fetchcache.Validation{
				Valid:      v.Valid,
				Errors:     v.Errors,
				Warnings:   v.Warnings,
				Confidence: v.Confidence,
			}
		}),
	)

	// The queue retries transport failures only. Rate-limit denials,
	// open circuits and validation rejections are already handled (or
	// deliberately not retried) by the layers below.
	svc.Queue = coalesce.NewQueue(svc.executeSeries,
		coalesce.WithClock[marketpkg.Series](svc.Clock),
		coalesce.WithDebounce[marketpkg.Series](r.Debounce()),
		coalesce.WithConcurrency[marketpkg.Series](r.MaxQueueConcurrency),
		coalesce.WithMaxRetries[marketpkg.Series](r.MaxRetries),
		coalesce.WithBackoffBase[marketpkg.Series](r.BackoffBase()),
		coalesce.WithRetryable[marketpkg.Series](retryableError),
	)

	return svc
}

// retryableError keeps the queue's backoff for transport failures and
// rate-limit denials, which time alone can cure. Validation verdicts
// and open circuits do not change by retrying blindly.
func retryableError(err error) bool {
	var verr *fetchcache.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var oerr *breaker.OpenError
	if errors.As(err, &oerr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (s *ServiceContext) minValidRatio() float64 {
	if cfg, ok := s.MarketConfig.Providers[s.defaultName]; ok && cfg.MinValidRatio > 0 {
		return cfg.MinValidRatio
	}
	return 0
}

// FetchSeries is the primary entry point: submissions for the same
// token/timeframe are coalesced, debounced and served through the
// validated cache.
func (s *ServiceContext) FetchSeries(ctx context.Context, tokenID string, days, priority int, forceRefresh bool) (marketpkg.Series, error) {
	key := marketpkg.SeriesKey(tokenID, days)
	if forceRefresh {
		s.SeriesCache.Invalidate(key)
	}
	return s.Queue.Submit(ctx, key, priority, forceRefresh)
}

// FetchPrice serves the latest price through the validated cache,
// bypassing the queue: a single cheap call does not need coalescing.
func (s *ServiceContext) FetchPrice(ctx context.Context, tokenID, currency string) (marketpkg.PriceQuote, error) {
	key := marketpkg.PriceKey(tokenID, currency)
	res, err := s.PriceCache.FetchData(ctx, key,
		func(ctx context.Context) (marketpkg.PriceQuote, error) {
			return s.DefaultMarket.Price(ctx, tokenID, currency)
		},
		s.priceFallback(tokenID, currency),
	)
	if err != nil {
		return marketpkg.PriceQuote{}, err
	}
	if res.Source == fetchcache.SourceFresh && s.Persistence != nil {
		if perr := s.Persistence.RecordPrice(ctx, s.defaultName, res.Value); perr != nil {
			logx.WithContext(ctx).Errorf("svc: record price %s: %v", tokenID, perr)
		}
	}
	return res.Value, nil
}

// executeSeries is the queue executor: one dispatched job resolves one
// series through the cache manager and its fetch/fallback/stale chain.
func (s *ServiceContext) executeSeries(ctx context.Context, key string) (marketpkg.Series, error) {
	tokenID, days, ok := marketpkg.ParseSeriesKey(key)
	if !ok {
		return marketpkg.Series{}, fmt.Errorf("svc: malformed series key %q", key)
	}
	res, err := s.SeriesCache.FetchData(ctx, key,
		s.seriesFetch(s.DefaultMarket, tokenID, days),
		s.seriesFallback(tokenID, days),
	)
	if err != nil {
		return marketpkg.Series{}, err
	}
	if res.Source == fetchcache.SourceFresh && s.Persistence != nil {
		if perr := s.Persistence.RecordSeries(ctx, s.defaultName, res.Value); perr != nil {
			logx.WithContext(ctx).Errorf("svc: record series %s: %v", key, perr)
		}
	}
	return res.Value, nil
}

func (s *ServiceContext) seriesFetch(provider marketpkg.Provider, tokenID string, days int) fetchcache.FetchFunc[marketpkg.Series] {
	return func(ctx context.Context) (marketpkg.Series, error) {
		candles, err := provider.OHLC(ctx, tokenID, "", days)
		if err != nil {
			return marketpkg.Series{}, err
		}
		return marketpkg.Series{
			TokenID: tokenID,
			Days:    days,
			Candles: candles,
		}, nil
	}
}

// seriesFallback fetches from a secondary provider when one is
// configured; with a single provider the fallback chain goes straight
// to stale cache.
func (s *ServiceContext) seriesFallback(tokenID string, days int) fetchcache.FetchFunc[marketpkg.Series] {
	if s.fallbackMarket == nil {
		return nil
	}
	return s.seriesFetch(s.fallbackMarket, tokenID, days)
}

func (s *ServiceContext) priceFallback(tokenID, currency string) fetchcache.FetchFunc[marketpkg.PriceQuote] {
	if s.fallbackMarket == nil {
		return nil
	}
	return func(ctx context.Context) (marketpkg.PriceQuote, error) {
		return s.fallbackMarket.Price(ctx, tokenID, currency)
	}
}

// InvalidateToken drops every queue and cache artifact derived from a
// token: debounce timers, undispatched jobs, cached series and prices.
func (s *ServiceContext) InvalidateToken(tokenID string) {
	s.Queue.ClearKey(tokenID)
	s.SeriesCache.InvalidatePrefix(tokenID)
	s.PriceCache.InvalidatePrefix(tokenID)
}

// Close releases the queue workers. Cache managers hold no resources
// beyond timers cancelled by invalidation.
func (s *ServiceContext) Close() {
	s.Queue.Close()
}
