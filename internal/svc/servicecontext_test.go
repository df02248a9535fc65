package svc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/config"
	marketpkg "marketpipe/pkg/market"
)

func newUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/coins/bitcoin/ohlc", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rows := [][]float64{
			{1700000000000, 100, 110, 95, 105},
			{1700003600000, 105, 112, 101, 108},
			{1700007200000, 108, 115, 104, 111},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	})
	mux.HandleFunc("/simple/price", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"bitcoin":{"usd":64250.12}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &hits
}

func newTestContext(t *testing.T, upstreamURL string) *ServiceContext {
	t.Helper()
	marketYAML := fmt.Sprintf(`
default: coingecko
providers:
  coingecko:
    type: coingecko
    base_url: %s
    currency: usd
`, upstreamURL)
	marketCfg, err := marketpkg.LoadConfigFromReader(strings.NewReader(marketYAML))
	require.NoError(t, err)

	cfg := config.Config{
		Env: "test",
		TTL: config.CacheTTL{Short: 10, Medium: 60, Long: 300},
		Resilience: config.ResilienceConf{
			MaxRequestsPerWindow:    100,
			WindowMs:                60000,
			DebounceMs:              10,
			MaxQueueConcurrency:     2,
			MaxRetries:              1,
			BackoffBaseMs:           10,
			CircuitFailureThreshold: 3,
			CircuitResetTimeoutMs:   60000,
			CacheTtlMs:              30000,
			StaleCacheAllowed:       true,
		},
	}
	cfg.Market.Value = marketCfg

	svcCtx := NewServiceContext(cfg)
	t.Cleanup(svcCtx.Close)
	return svcCtx
}

func TestFetchSeriesEndToEnd(t *testing.T) {
	server, hits := newUpstream(t)
	svcCtx := newTestContext(t, server.URL)

	series, err := svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", series.TokenID)
	assert.Len(t, series.Candles, 3)
	assert.Equal(t, int64(1), hits.Load())

	// The second submission resolves from the TTL cache.
	series, err = svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 1, false)
	require.NoError(t, err)
	assert.Len(t, series.Candles, 3)
	assert.Equal(t, int64(1), hits.Load())
}

func TestFetchSeriesForceRefreshBypassesCache(t *testing.T) {
	server, hits := newUpstream(t)
	svcCtx := newTestContext(t, server.URL)

	_, err := svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 1, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	_, err = svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestInvalidateTokenForcesRefetch(t *testing.T) {
	server, hits := newUpstream(t)
	svcCtx := newTestContext(t, server.URL)

	_, err := svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 1, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	svcCtx.InvalidateToken("bitcoin")

	_, err = svcCtx.FetchSeries(context.Background(), "bitcoin", 7, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestFetchPriceServedAndCached(t *testing.T) {
	server, hits := newUpstream(t)
	svcCtx := newTestContext(t, server.URL)

	quote, err := svcCtx.FetchPrice(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", quote.TokenID)
	assert.InDelta(t, 64250.12, quote.Price, 1e-9)
	require.Equal(t, int64(1), hits.Load())

	_, err = svcCtx.FetchPrice(context.Background(), "bitcoin", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}
