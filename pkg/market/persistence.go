package market

import "context"

// Persistence hooks allow the pipeline to persist fetched market data to
// external stores. Implementations must treat failures as non-fatal: the
// data path never blocks on persistence.
type Persistence interface {
	// RecordSeries persists a validated OHLC series.
	RecordSeries(ctx context.Context, provider string, series Series) error
	// RecordPrice persists a latest-price observation.
	RecordPrice(ctx context.Context, provider string, quote PriceQuote) error
}
