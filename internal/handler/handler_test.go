package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/rest/pathvar"

	"marketpipe/internal/config"
	"marketpipe/internal/svc"
	marketpkg "marketpipe/pkg/market"
)

func newTestContext(t *testing.T) (*svc.ServiceContext, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/coins/bitcoin/ohlc", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[[1700000000000,100,110,95,105],[1700003600000,105,112,101,108]]`)
	})
	mux.HandleFunc("/simple/price", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"bitcoin":{"usd":64250.12}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	marketYAML := fmt.Sprintf(`
default: coingecko
providers:
  coingecko:
    type: coingecko
    base_url: %s
    currency: usd
`, server.URL)
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

	svcCtx := svc.NewServiceContext(cfg)
	t.Cleanup(svcCtx.Close)
	return svcCtx, &hits
}

func TestStatsHandler(t *testing.T) {
	svcCtx, _ := newTestContext(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	StatsHandler(svcCtx)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queue struct {
			Pending   int   `json:"pending"`
			Active    int   `json:"active"`
			Completed int64 `json:"completed"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Queue.Pending)
}

func TestHealthHandler(t *testing.T) {
	svcCtx, _ := newTestContext(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler(svcCtx)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Healthy bool `json:"healthy"`
		Limiter struct {
			Limit int `json:"limit"`
		} `json:"limiter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 100, body.Limiter.Limit)
}

func TestOHLCHandlerServesSeries(t *testing.T) {
	svcCtx, hits := newTestContext(t)

	req := httptest.NewRequest(http.MethodGet, "/ohlc/bitcoin?days=7", nil)
	req = pathvar.WithVars(req, map[string]string{"token": "bitcoin"})
	rec := httptest.NewRecorder()
	OHLCHandler(svcCtx)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var series marketpkg.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Equal(t, "bitcoin", series.TokenID)
	assert.Len(t, series.Candles, 2)
	assert.Equal(t, int64(1), hits.Load())
}

func TestPriceHandlerServesQuote(t *testing.T) {
	svcCtx, _ := newTestContext(t)

	req := httptest.NewRequest(http.MethodGet, "/price/bitcoin", nil)
	req = pathvar.WithVars(req, map[string]string{"token": "bitcoin"})
	rec := httptest.NewRecorder()
	PriceHandler(svcCtx)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var quote marketpkg.PriceQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.InDelta(t, 64250.12, quote.Price, 1e-9)
}

func TestInvalidateHandlerClearsState(t *testing.T) {
	svcCtx, hits := newTestContext(t)

	fetch := func() {
		req := httptest.NewRequest(http.MethodGet, "/ohlc/bitcoin?days=7", nil)
		req = pathvar.WithVars(req, map[string]string{"token": "bitcoin"})
		rec := httptest.NewRecorder()
		OHLCHandler(svcCtx)(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	fetch()
	require.Equal(t, int64(1), hits.Load())

	req := httptest.NewRequest(http.MethodPost, "/invalidate/bitcoin", nil)
	req = pathvar.WithVars(req, map[string]string{"token": "bitcoin"})
	rec := httptest.NewRecorder()
	InvalidateHandler(svcCtx)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fetch()
	assert.Equal(t, int64(2), hits.Load())
}
