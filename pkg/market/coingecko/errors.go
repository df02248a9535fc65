package coingecko

import (
	"fmt"
	"time"
)

// RateLimitError reports a local sliding-window denial. The request was never
// sent; Wait hints when the window frees up. The retry belongs to the
// coalescing layer, not this client.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("coingecko: rate limit exceeded, retry in %s", e.Wait)
}

// UpstreamError reports a transport-level failure of the upstream call:
// network error, timeout, or a non-2xx response. Status is zero when the
// request never produced a response.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("coingecko: upstream status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("coingecko: upstream failure: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
