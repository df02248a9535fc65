package fetchcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketpipe/pkg/clock"
)

const (
	defaultTTL         = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
)

// FetchFunc produces a value for a cache key, usually by calling the
// upstream provider through the guarded client.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Validation is the verdict a Validator returns for a candidate value.
type Validation struct {
	Valid      bool
	Errors     []string
	Warnings   []string
	Confidence float64
}

// Validator checks a fetched or cached value before it is served.
type Validator[T any] func(value T) Validation

// ValidationError reports a value that failed validation after the
// fallback chain was exhausted.
type ValidationError struct {
	Key        string
	Errors     []string
	Confidence float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fetchcache: %s failed validation (confidence %.2f): %s",
		e.Key, e.Confidence, strings.Join(e.Errors, "; "))
}

// Result carries a served value together with the tier it came from.
type Result[T any] struct {
	Value  T
	Source Source
}

type entry[T any] struct {
	payload  T
	cachedAt time.Time
	ttl      time.Duration
}

type slot[T any] struct {
	fetchMu sync.Mutex // serializes the fetch path per key

	mu         sync.Mutex
	entry      *entry[T]
	state      KeyState
	watchers   map[int]chan KeyState
	nextWatch  int
	refresh    clock.Timer
	refreshGen int
	inFlight   bool
}

// Manager is a validated TTL cache. Values are served from a fresh
// in-memory entry when possible, fetched with retry otherwise, and an
// expired entry is kept around as a last resort when both the fetch
// and the fallback fail.
type Manager[T any] struct {
	clock        clock.Scheduler
	ttl          time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	staleAllowed bool
	validator    Validator[T]
	store        Store[T]

	mu      sync.Mutex
	slots   map[string]*slot[T]
	metrics metrics
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithClock replaces the wall clock, used by tests.
func WithClock[T any](c clock.Scheduler) Option[T] {
	return func(m *Manager[T]) { m.clock = c }
}

// WithTTL sets the freshness window for cached entries.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(m *Manager[T]) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxAttempts sets how many times a fetch is tried before the
// fallback chain takes over.
func WithMaxAttempts[T any](n int) Option[T] {
	return func(m *Manager[T]) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay. Each further retry
// doubles it.
func WithBackoffBase[T any](d time.Duration) Option[T] {
	return func(m *Manager[T]) {
		if d > 0 {
			m.backoffBase = d
		}
	}
}

// WithStaleAllowed controls whether expired entries may be served
// after a total fetch failure.
func WithStaleAllowed[T any](allowed bool) Option[T] {
	return func(m *Manager[T]) { m.staleAllowed = allowed }
}

// WithValidator installs the domain validator applied to fetched and
// cached values.
func WithValidator[T any](v Validator[T]) Option[T] {
	return func(m *Manager[T]) {
		if v != nil {
			m.validator = v
		}
	}
}

// WithStore attaches a durable tier read through on memory misses and
// written through after successful fetches.
func WithStore[T any](s Store[T]) Option[T] {
	return func(m *Manager[T]) { m.store = s }
}

// NewManager builds a Manager with sane defaults: 30s TTL, 3 fetch
// attempts with a 1s doubling backoff, stale serving enabled, and a
// validator that accepts everything.
func NewManager[T any](opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{
		clock:        clock.NewSystem(),
		ttl:          defaultTTL,
		maxAttempts:  defaultMaxAttempts,
		backoffBase:  defaultBackoffBase,
		staleAllowed: true,
		validator:    func(T) Validation { return Validation{Valid: true, Confidence: 1} },
		slots:        make(map[string]*slot[T]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FetchData resolves a value for key. The lookup order is fresh memory
// cache, durable store, a retried fetch, the fallback, and finally a
// stale memory entry. Fallback values are served but never cached
// under the key.
func (m *Manager[T]) FetchData(ctx context.Context, key string, fetch FetchFunc[T], fallback FetchFunc[T]) (Result[T], error) {
	var zero Result[T]
	if fetch == nil {
		return zero, fmt.Errorf("fetchcache: %s: fetch function is required", key)
	}

	start := m.clock.Now()
	s := m.slot(key)

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if e := s.load(); e != nil && m.freshAt(e, m.clock.Now()) {
		if v := m.validator(e.payload); v.Valid {
			m.count(func(mx *metrics) { mx.hits++ })
			s.setState(StateCached)
			m.finish(start, true)
			return Result[T]{Value: e.payload, Source: SourceCached}, nil
		}
		// cached payload no longer passes validation, drop it
		s.storeEntry(nil)
	}
	m.count(func(mx *metrics) { mx.misses++ })

	if m.store != nil {
		if value, ok, err := m.store.Get(ctx, key); err != nil {
			logx.WithContext(ctx).Errorf("fetchcache: durable get %s: %v", key, err)
		} else if ok {
			if v := m.validator(value); v.Valid {
				s.storeEntry(&entry[T]{payload: value, cachedAt: m.clock.Now(), ttl: m.ttl})
				s.setState(StateCached)
				m.finish(start, true)
				return Result[T]{Value: value, Source: SourceCached}, nil
			}
		}
	}

	s.beginFetch()
	defer s.endFetch()

	value, fetchErr := m.fetchWithRetry(ctx, key, fetch)
	if fetchErr == nil {
		v := m.validator(value)
		if v.Valid {
			now := m.clock.Now()
			s.storeEntry(&entry[T]{payload: value, cachedAt: now, ttl: m.ttl})
			if m.store != nil {
				if err := m.store.Set(ctx, key, value, m.ttl); err != nil {
					logx.WithContext(ctx).Errorf("fetchcache: durable set %s: %v", key, err)
				}
			}
			s.setState(StateFresh)
			m.finish(start, true)
			return Result[T]{Value: value, Source: SourceFresh}, nil
		}
		fetchErr = &ValidationError{Key: key, Errors: v.Errors, Confidence: v.Confidence}
		logx.WithContext(ctx).Errorf("fetchcache: %s: %v", key, fetchErr)
	}

	if fallback != nil {
		if fbValue, err := fallback(ctx); err == nil {
			if v := m.validator(fbValue); v.Valid {
				logx.WithContext(ctx).Slowf("fetchcache: %s served from fallback after: %v", key, fetchErr)
				s.setState(StateFallback)
				m.finish(start, true)
				return Result[T]{Value: fbValue, Source: SourceFallback}, nil
			}
		}
	}

	if m.staleAllowed {
		if e := s.load(); e != nil {
			logx.WithContext(ctx).Slowf("fetchcache: %s served stale entry cached at %s after: %v",
				key, e.cachedAt.Format(time.RFC3339), fetchErr)
			s.setState(StateStaleCache)
			m.finish(start, false)
			return Result[T]{Value: e.payload, Source: SourceStale}, nil
		}
	}

	s.setState(StateIdle)
	m.finish(start, false)
	return zero, fmt.Errorf("fetchcache: fetch %s: %w", key, fetchErr)
}

// fetchWithRetry runs fetch up to maxAttempts times with a doubling
// backoff between attempts. Context cancellation stops the loop.
func (m *Manager[T]) fetchWithRetry(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	var zero T
	var lastErr error
	delay := m.backoffBase
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-m.clock.After(delay):
			}
			delay *= 2
		}
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		logx.WithContext(ctx).Slowf("fetchcache: %s attempt %d/%d failed: %v", key, attempt, m.maxAttempts, err)
	}
	return zero, lastErr
}

// Invalidate clears the in-memory entry for key, resets its state to
// idle and cancels any auto refresh registered for it. The slot lock
// makes the clear atomic with respect to concurrent state reads.
func (m *Manager[T]) Invalidate(key string) {
	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.entry = nil
	s.refreshGen++
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	s.transitionLocked(StateIdle)
	s.mu.Unlock()
}

// InvalidatePrefix invalidates every tracked key starting with prefix.
func (m *Manager[T]) InvalidatePrefix(prefix string) int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.slots))
	for key := range m.slots {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.Invalidate(key)
	}
	return len(keys)
}

// AutoRefresh re-runs the fetch path for key every interval in the
// background. A cycle is skipped when a fetch for the key is already
// in flight. Invalidate cancels the registration.
func (m *Manager[T]) AutoRefresh(key string, interval time.Duration, fetch FetchFunc[T], fallback FetchFunc[T]) {
	if interval <= 0 || fetch == nil {
		return
	}
	s := m.slot(key)
	s.mu.Lock()
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.refreshGen++
	gen := s.refreshGen
	var run func()
	run = func() {
		s.mu.Lock()
		stale := s.refreshGen != gen
		busy := s.inFlight
		if !stale {
			s.refresh = m.clock.Schedule(interval, run)
		}
		s.mu.Unlock()
		if stale || busy {
			return
		}
		if _, err := m.FetchData(context.Background(), key, fetch, fallback); err != nil {
			logx.Errorf("fetchcache: auto refresh %s: %v", key, err)
		}
	}
	s.refresh = m.clock.Schedule(interval, run)
	s.mu.Unlock()
}

// StateOf reports the current lifecycle state for key.
func (m *Manager[T]) StateOf(key string) KeyState {
	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch returns a channel of state transitions for key and a cancel
// function that releases it. Slow receivers miss intermediate states
// rather than blocking the manager.
func (m *Manager[T]) Watch(key string) (<-chan KeyState, func()) {
	s := m.slot(key)
	ch := make(chan KeyState, 16)
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[int]chan KeyState)
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Metrics returns a snapshot of the running counters.
func (m *Manager[T]) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.snapshot()
}

// Health summarizes the counters into a pass/fail style status. The
// manager is reported unhealthy once more than half of all requests
// have failed.
func (m *Manager[T]) Health() HealthStatus {
	m.mu.Lock()
	snap := m.metrics.snapshot()
	tracked := len(m.slots)
	m.mu.Unlock()

	failureRatio := 0.0
	if snap.TotalRequests > 0 {
		failureRatio = float64(snap.FailedRequests) / float64(snap.TotalRequests)
	}
	return HealthStatus{
		Healthy:         failureRatio <= 0.5,
		TotalRequests:   snap.TotalRequests,
		FailureRatio:    failureRatio,
		CacheHitRatio:   snap.HitRatio(),
		AvgResponseTime: snap.AvgResponseTime,
		TrackedKeys:     tracked,
	}
}

func (m *Manager[T]) slot(key string) *slot[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot[T]{state: StateIdle}
		m.slots[key] = s
	}
	return s
}

func (m *Manager[T]) freshAt(e *entry[T], now time.Time) bool {
	return now.Sub(e.cachedAt) < e.ttl
}

func (m *Manager[T]) count(apply func(*metrics)) {
	m.mu.Lock()
	apply(&m.metrics)
	m.mu.Unlock()
}

func (m *Manager[T]) finish(start time.Time, ok bool) {
	elapsed := m.clock.Now().Sub(start)
	m.mu.Lock()
	m.metrics.record(elapsed, ok)
	m.mu.Unlock()
}

func (s *slot[T]) load() *entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

func (s *slot[T]) storeEntry(e *entry[T]) {
	s.mu.Lock()
	s.entry = e
	s.mu.Unlock()
}

func (s *slot[T]) beginFetch() {
	s.mu.Lock()
	s.inFlight = true
	s.transitionLocked(StateLoading)
	s.mu.Unlock()
}

func (s *slot[T]) endFetch() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *slot[T]) setState(state KeyState) {
	s.mu.Lock()
	s.transitionLocked(state)
	s.mu.Unlock()
}

func (s *slot[T]) transitionLocked(state KeyState) {
	if s.state == state {
		return
	}
	s.state = state
	for _, ch := range s.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}
