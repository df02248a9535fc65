package fetchcache

import (
	"context"
	"time"
)

// Store is an optional durable tier behind the in-memory cache. The
// manager reads through it on a memory miss and writes through to it
// after every successful primary fetch. Implementations own their own
// serialization; the manager never inspects stored bytes.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
}
