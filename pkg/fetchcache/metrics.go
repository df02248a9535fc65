package fetchcache

import "time"

// Metrics is a point-in-time snapshot of the manager's counters. All
// fields are recomputed on every FetchData completion.
type Metrics struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	CacheHits          int64         `json:"cache_hits"`
	CacheMisses        int64         `json:"cache_misses"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
}

// HitRatio reports cache hits over total lookups, 0 when no lookups
// have happened yet.
func (m Metrics) HitRatio() float64 {
	lookups := m.CacheHits + m.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(lookups)
}

// HealthStatus is the read-only health summary exposed to callers.
type HealthStatus struct {
	Healthy         bool          `json:"healthy"`
	TotalRequests   int64         `json:"total_requests"`
	FailureRatio    float64       `json:"failure_ratio"`
	CacheHitRatio   float64       `json:"cache_hit_ratio"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	TrackedKeys     int           `json:"tracked_keys"`
}

type metrics struct {
	total      int64
	successful int64
	failed     int64
	hits       int64
	misses     int64
	avgLatency time.Duration
}

// record folds one completed request into the running counters. The
// rolling average uses the incremental form so no sample history is
// kept.
func (m *metrics) record(elapsed time.Duration, ok bool) {
	m.total++
	if ok {
		m.successful++
	} else {
		m.failed++
	}
	m.avgLatency += (elapsed - m.avgLatency) / time.Duration(m.total)
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		TotalRequests:      m.total,
		SuccessfulRequests: m.successful,
		FailedRequests:     m.failed,
		CacheHits:          m.hits,
		CacheMisses:        m.misses,
		AvgResponseTime:    m.avgLatency,
	}
}
