package coingecko

import (
	"context"
	"net/http"
	"strings"
	"time"

	"marketpipe/pkg/market"
)

const (
	defaultProviderTimeout = 30 * time.Second
	defaultCurrency        = "usd"
)

// Provider wraps CoinGecko client calls behind the generic market.Provider
// contract.
type Provider struct {
	client   *Client
	timeout  time.Duration
	currency string
}

type providerConfig struct {
	timeout       time.Duration
	currency      string
	clientOptions []Option
}

// ProviderOption customises the CoinGecko provider.
type ProviderOption func(*providerConfig)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(timeout time.Duration) ProviderOption {
	return func(cfg *providerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithCurrency sets the default quote currency for requests that pass "".
func WithCurrency(currency string) ProviderOption {
	return func(cfg *providerConfig) {
		if currency != "" {
			cfg.currency = currency
		}
	}
}

// WithClientOptions passes options to the underlying CoinGecko client.
func WithClientOptions(options ...Option) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.clientOptions = append(cfg.clientOptions, options...)
	}
}

// NewProvider constructs a CoinGecko market provider.
func NewProvider(opts ...ProviderOption) *Provider {
	cfg := &providerConfig{
		timeout:  defaultProviderTimeout,
		currency: defaultCurrency,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Provider{
		client:   NewClient(cfg.clientOptions...),
		timeout:  cfg.timeout,
		currency: cfg.currency,
	}
}

func init() {
	market.RegisterProvider("coingecko", func(name string, cfg *market.ProviderConfig) (market.Provider, error) {
		opts := []ProviderOption{}
		clientOptions := []Option{}
		if cfg.Timeout > 0 {
			opts = append(opts, WithTimeout(cfg.Timeout))
		}
		if cfg.Currency != "" {
			opts = append(opts, WithCurrency(cfg.Currency))
		}
		if cfg.HTTPTimeout > 0 {
			clientOptions = append(clientOptions, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		if cfg.BaseURL != "" {
			clientOptions = append(clientOptions, WithBaseURL(cfg.BaseURL))
		}
		if len(clientOptions) > 0 {
			opts = append(opts, WithClientOptions(clientOptions...))
		}
		return NewProvider(opts...), nil
	})
}

// Client returns the underlying API client so the composition root can attach
// the limiter and breaker built from application config.
func (p *Provider) Client() *Client {
	return p.client
}

// OHLC implements market.Provider.
func (p *Provider) OHLC(ctx context.Context, tokenID, currency string, days int) ([]market.Candle, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.client.GetOHLC(ctx, strings.TrimSpace(tokenID), p.currencyOr(currency), days)
}

// Price implements market.Provider.
func (p *Provider) Price(ctx context.Context, tokenID, currency string) (market.PriceQuote, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.client.GetPrice(ctx, strings.TrimSpace(tokenID), p.currencyOr(currency))
}

func (p *Provider) currencyOr(currency string) string {
	if strings.TrimSpace(currency) != "" {
		return currency
	}
	return p.currency
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.timeout)
}
