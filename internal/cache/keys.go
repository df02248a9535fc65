package cache

import (
	"strconv"
	"strings"
	"time"

	"marketpipe/internal/config"
)

// Namespace is the Redis key prefix for the application.
const Namespace = "marketpipe"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class, useful for half/double TTL variants.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Price & OHLC Keys ------------------------------------------------------

// PriceLatestKey returns the latest price key scoped by provider.
func PriceLatestKey(provider, tokenID, currency string) string {
	return formatKey("price", "latest", provider, tokenID, currency)
}

// OHLCSeriesKey holds a serialized candle series payload.
func OHLCSeriesKey(provider, tokenID, currency string, days int) string {
	return formatKey("ohlc", provider, tokenID, currency, strconv.Itoa(days))
}

// FetchStateKey mirrors a pipeline key's durable form. The suffix is
// the same token_days key used by the coalescing layer.
func FetchStateKey(pipelineKey string) string {
	return formatKey("fetch", pipelineKey)
}

// --- Health Keys ------------------------------------------------------------

// HealthSnapshotKey stores the last published pipeline health summary.
func HealthSnapshotKey() string {
	return formatKey("health", "snapshot")
}
