package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketpipe/pkg/breaker"
	"marketpipe/pkg/market"
	"marketpipe/pkg/ratelimit"
)

const (
	defaultBaseURL     = "https://api.coingecko.com/api/v3"
	defaultHTTPTimeout = 30 * time.Second
	serviceName        = "coingecko"
)

// ErrEmptyResponse indicates the upstream answered 2xx with no usable rows.
var ErrEmptyResponse = errors.New("coingecko: empty response")

// Client wraps the CoinGecko REST endpoints behind the local rate limiter and
// circuit breaker. Each call is a single attempt: a limiter denial fails fast
// with a wait hint, and transport failures surface as *UpstreamError for the
// upper layers to retry. No caching happens here.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	service    string
	apiKey     string
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithRateLimiter guards the client with a sliding-window limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithBreaker guards the client with a circuit breaker under the given
// service id.
func WithBreaker(b *breaker.Breaker, service string) Option {
	return func(c *Client) {
		c.breaker = b
		if service != "" {
			c.service = service
		}
	}
}

// WithAPIKey sends the demo API key header with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// SetGuards attaches the limiter and breaker after construction, for
// providers built from config before the application guards exist. Call it
// during composition, before the client takes traffic.
func (c *Client) SetGuards(l *ratelimit.Limiter, b *breaker.Breaker) {
	if l != nil {
		c.limiter = l
	}
	if b != nil {
		c.breaker = b
	}
}

// NewClient constructs a CoinGecko API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		service:    serviceName,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// GetOHLC fetches candles for the token, oldest first. Short or malformed
// rows decode to zero-valued candles so that domain validation, not the
// transport, classifies them.
func (c *Client) GetOHLC(ctx context.Context, tokenID, currency string, days int) ([]market.Candle, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/coins/%s/ohlc", url.PathEscape(tokenID))
	query := url.Values{
		"vs_currency": {currency},
		"days":        {strconv.Itoa(days)},
	}

	return guarded(c, ctx, func(ctx context.Context) ([]market.Candle, error) {
		var rows []json.RawMessage
		if err := c.doGet(ctx, path, query, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, &UpstreamError{Err: ErrEmptyResponse}
		}
		candles := make([]market.Candle, 0, len(rows))
		for _, raw := range rows {
			candles = append(candles, decodeCandle(raw))
		}
		return candles, nil
	})
}

// GetPrice fetches the latest spot price for the token.
func (c *Client) GetPrice(ctx context.Context, tokenID, currency string) (market.PriceQuote, error) {
	if err := c.admit(); err != nil {
		return market.PriceQuote{}, err
	}

	query := url.Values{
		"ids":           {tokenID},
		"vs_currencies": {currency},
	}

	return guarded(c, ctx, func(ctx context.Context) (market.PriceQuote, error) {
		var payload map[string]map[string]float64
		if err := c.doGet(ctx, "/simple/price", query, &payload); err != nil {
			return market.PriceQuote{}, err
		}
		price, ok := payload[tokenID][currency]
		if !ok {
			return market.PriceQuote{}, &UpstreamError{Err: fmt.Errorf("no price for %s/%s", tokenID, currency)}
		}
		return market.PriceQuote{
			TokenID:  tokenID,
			Currency: currency,
			Price:    price,
			At:       time.Now().UTC(),
		}, nil
	})
}

// admit consults the rate limiter and fails fast with the wait hint.
func (c *Client) admit() error {
	if c.limiter == nil {
		return nil
	}
	if !c.limiter.Allow() {
		wait := c.limiter.TimeUntilReset()
		logx.Slowf("coingecko: rate limited, window resets in %s", wait)
		return &RateLimitError{Wait: wait}
	}
	return nil
}

// guarded runs op under the circuit breaker when one is configured.
func guarded[T any](c *Client, ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	if c.breaker == nil {
		return op(ctx)
	}
	return breaker.Do(c.breaker, ctx, c.service, op, nil)
}

// doGet issues one GET request and decodes the 2xx body into result.
func (c *Client) doGet(ctx context.Context, path string, query url.Values, result any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("coingecko: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		logx.WithContext(ctx).Errorf("coingecko: GET %s failed after %s: %v", path, duration, err)
		return &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	logx.WithContext(ctx).Infof("coingecko: GET %s status=%d duration=%s bytes=%d",
		path, resp.StatusCode, duration, len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// decodeCandle converts one raw [ts, o, h, l, c] row. Rows that are short or
// not numeric arrays produce a zero candle, which the series validator
// rejects downstream.
func decodeCandle(raw json.RawMessage) market.Candle {
	var row []float64
	if err := json.Unmarshal(raw, &row); err != nil || len(row) < 5 {
		return market.Candle{}
	}
	return market.Candle{
		Timestamp: time.UnixMilli(int64(row[0])).UTC(),
		Open:      row[1],
		High:      row[2],
		Low:       row[3],
		Close:     row[4],
	}
}
