package market

import (
	"context"
	"time"
)

// Provider exposes exchange-agnostic market data.
type Provider interface {
	// OHLC returns candles for the token/currency pair covering the last
	// days days, oldest first.
	OHLC(ctx context.Context, tokenID, currency string, days int) ([]Candle, error)
	// Price returns the latest spot price for the token/currency pair.
	Price(ctx context.Context, tokenID, currency string) (PriceQuote, error)
}

// Candle is a single OHLC point.
type Candle struct {
	Timestamp time.Time `json:"timestamp" msgpack:"ts"`
	Open      float64   `json:"open" msgpack:"o"`
	High      float64   `json:"high" msgpack:"h"`
	Low       float64   `json:"low" msgpack:"l"`
	Close     float64   `json:"close" msgpack:"c"`
}

// PriceQuote is a latest-price observation.
type PriceQuote struct {
	TokenID  string    `json:"tokenId" msgpack:"token"`
	Currency string    `json:"currency" msgpack:"ccy"`
	Price    float64   `json:"price" msgpack:"px"`
	At       time.Time `json:"at" msgpack:"at"`
}

// Series bundles the candles of one token/timeframe request, the unit the
// pipeline coalesces, validates and caches.
type Series struct {
	TokenID  string   `json:"tokenId" msgpack:"token"`
	Currency string   `json:"currency" msgpack:"ccy"`
	Days     int      `json:"days" msgpack:"days"`
	Candles  []Candle `json:"candles" msgpack:"candles"`
}

// Key returns the dedup/cache key for the series, e.g. "bitcoin_7".
func (s Series) Key() string {
	return SeriesKey(s.TokenID, s.Days)
}
