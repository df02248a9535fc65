package market

import (
	"fmt"
	"strconv"
	"strings"
)

// SeriesKey builds the dedup/cache key used across the queue and cache layers
// for one token+timeframe combination.
func SeriesKey(tokenID string, days int) string {
	return fmt.Sprintf("%s_%d", strings.TrimSpace(tokenID), days)
}

// PriceKey builds the dedup/cache key for a latest-price lookup.
func PriceKey(tokenID, currency string) string {
	return fmt.Sprintf("%s_price_%s", strings.TrimSpace(tokenID), strings.TrimSpace(currency))
}

// ParseSeriesKey splits a series key back into token id and days. It reports
// ok=false for keys that were not produced by SeriesKey.
func ParseSeriesKey(key string) (tokenID string, days int, ok bool) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, false
	}
	days, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:idx], days, true
}
