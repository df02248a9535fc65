package coalesce

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketpipe/pkg/clock"
)

const (
	defaultDebounce    = 300 * time.Millisecond
	defaultConcurrency = 2
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second
)

var (
	// ErrQueueClosed is returned by Submit after Close, and resolves
	// every request that was still waiting when the queue shut down.
	ErrQueueClosed = errors.New("coalesce: queue closed")

	// ErrJobRemoved resolves callers whose job was cleared before it
	// was dispatched to a worker.
	ErrJobRemoved = errors.New("coalesce: job removed before dispatch")
)

// Executor performs the actual work for a key, typically a validated
// cached fetch. Transport errors returned here drive the retry policy.
type Executor[T any] func(ctx context.Context, key string) (T, error)

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int   `json:"delayed"`
}

// Queue debounces and deduplicates submissions per key, dispatches
// jobs to a bounded worker pool in priority order and retries failed
// jobs with a doubling backoff. At most one pending request exists per
// key at any time.
type Queue[T any] struct {
	exec        Executor[T]
	clock       clock.Scheduler
	debounce    time.Duration
	concurrency int
	maxRetries  int
	backoffBase time.Duration
	retryable   func(error) bool

	mu        sync.Mutex
	cond      *sync.Cond
	pending   map[string]*pendingRequest[T]
	jobs      map[string]*job[T]
	heap      jobHeap[T]
	seq       uint64
	active    int
	completed int64
	failed    int64
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithClock replaces the scheduler, used by tests.
func WithClock[T any](c clock.Scheduler) Option[T] {
	return func(q *Queue[T]) { q.clock = c }
}

// WithDebounce sets the quiet period before a submission becomes a
// job. Non-positive values are ignored.
func WithDebounce[T any](d time.Duration) Option[T] {
	return func(q *Queue[T]) {
		if d > 0 {
			q.debounce = d
		}
	}
}

// WithConcurrency bounds the worker pool size.
func WithConcurrency[T any](n int) Option[T] {
	return func(q *Queue[T]) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithMaxRetries sets how many times a failed job is retried after its
// first attempt.
func WithMaxRetries[T any](n int) Option[T] {
	return func(q *Queue[T]) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBackoffBase sets the first retry delay. Each further retry for
// the same job doubles it.
func WithBackoffBase[T any](d time.Duration) Option[T] {
	return func(q *Queue[T]) {
		if d > 0 {
			q.backoffBase = d
		}
	}
}

// WithRetryable restricts which errors are retried. The default
// retries every executor error.
func WithRetryable[T any](fn func(error) bool) Option[T] {
	return func(q *Queue[T]) {
		if fn != nil {
			q.retryable = fn
		}
	}
}

// NewQueue builds the queue and starts its workers.
func NewQueue[T any](exec Executor[T], opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		exec:        exec,
		clock:       clock.NewSystem(),
		debounce:    defaultDebounce,
		concurrency: defaultConcurrency,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		retryable:   func(error) bool { return true },
		pending:     make(map[string]*pendingRequest[T]),
		jobs:        make(map[string]*job[T]),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(q.concurrency)
	for i := 0; i < q.concurrency; i++ {
		go q.worker()
	}
	return q
}

// Submit coalesces a request for key. A concurrent submission for the
// same key without forceRefresh awaits the existing in-flight request
// instead of issuing a new upstream call. With forceRefresh the old
// debounce timer is cancelled and any in-flight job is superseded via
// the generation counter, so all waiters receive the fresh result.
func (q *Queue[T]) Submit(ctx context.Context, key string, priority int, forceRefresh bool) (T, error) {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrQueueClosed
	}
	p, exists := q.pending[key]
	if exists && !forceRefresh {
		p.waiters++
		q.mu.Unlock()
		return q.await(ctx, p)
	}
	if exists {
		if p.debounce != nil {
			p.debounce.Stop()
		}
		p.gen++
	} else {
		p = &pendingRequest[T]{
			key:       key,
			createdAt: q.clock.Now(),
			done:      make(chan struct{}),
		}
		q.pending[key] = p
	}
	gen := p.gen
	p.waiters++
	p.debounce = q.clock.Schedule(q.debounce, func() {
		q.enqueue(key, priority, p, gen)
	})
	q.mu.Unlock()
	return q.await(ctx, p)
}

func (q *Queue[T]) await(ctx context.Context, p *pendingRequest[T]) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-p.done:
		return p.value, p.err
	}
}

// enqueue turns a fired debounce into a waiting job. A job keyed the
// same as one already waiting or delayed refreshes that job in place
// instead of duplicating it.
func (q *Queue[T]) enqueue(key string, priority int, p *pendingRequest[T], gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.pending[key] != p || p.gen != gen {
		return
	}
	if existing, ok := q.jobs[key]; ok && existing.status != JobActive {
		existing.gen = gen
		existing.pending = p
		if priority > existing.priority {
			existing.priority = priority
			if existing.index >= 0 {
				heap.Fix(&q.heap, existing.index)
			}
		}
		return
	}
	q.seq++
	j := &job[T]{
		key:      key,
		priority: priority,
		seq:      q.seq,
		gen:      gen,
		status:   JobWaiting,
		pending:  p,
		index:    -1,
	}
	q.jobs[key] = j
	heap.Push(&q.heap, j)
	q.cond.Signal()
}

func (q *Queue[T]) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.heap.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		j := heap.Pop(&q.heap).(*job[T])
		j.status = JobActive
		q.active++
		q.mu.Unlock()

		value, err := q.exec(context.Background(), j.key)
		q.settle(j, value, err)
	}
}

// settle records a job outcome. Retryable failures are parked on a
// backoff timer instead of resolving the waiters; a superseded job's
// result is discarded because a forced refresh replaced it.
func (q *Queue[T]) settle(j *job[T], value T, err error) {
	q.mu.Lock()
	q.active--
	current := j.pending.gen == j.gen

	if err != nil && current && !q.closed && j.attempts < q.maxRetries && q.retryable(err) {
		j.attempts++
		j.status = JobDelayed
		delay := q.backoffBase * (1 << (j.attempts - 1))
		logx.Slowf("coalesce: job %s attempt %d failed, retrying in %s: %v", j.key, j.attempts, delay, err)
		j.retry = q.clock.Schedule(delay, func() {
			q.requeue(j)
		})
		q.mu.Unlock()
		return
	}

	if err != nil {
		j.status = JobFailed
		q.failed++
		logx.Errorf("coalesce: job %s failed permanently after %d retries: %v", j.key, j.attempts, err)
	} else {
		j.status = JobCompleted
		q.completed++
	}
	if q.jobs[j.key] == j {
		delete(q.jobs, j.key)
	}
	if current && q.pending[j.key] == j.pending {
		delete(q.pending, j.key)
	}
	q.mu.Unlock()

	if current {
		j.pending.settle(value, err)
	}
}

func (q *Queue[T]) requeue(j *job[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.jobs[j.key] != j || j.pending.gen != j.gen {
		return
	}
	j.status = JobWaiting
	heap.Push(&q.heap, j)
	q.cond.Signal()
}

// ClearKey cancels debounce timers, pending requests and undispatched
// jobs for every key starting with prefix. Jobs already executing run
// to completion and still resolve their waiters; cleared callers whose
// job never started receive ErrJobRemoved.
func (q *Queue[T]) ClearKey(prefix string) int {
	var zero T
	q.mu.Lock()
	removed := 0
	var orphaned []*pendingRequest[T]
	for key, j := range q.jobs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		switch j.status {
		case JobWaiting:
			if j.index >= 0 {
				heap.Remove(&q.heap, j.index)
			}
		case JobDelayed:
			if j.retry != nil {
				j.retry.Stop()
			}
		case JobActive:
			// executing work is not preempted; its settle path still
			// resolves the waiters.
			if q.pending[key] == j.pending {
				delete(q.pending, key)
			}
			removed++
			continue
		default:
			continue
		}
		delete(q.jobs, key)
		if q.pending[key] == j.pending {
			delete(q.pending, key)
			orphaned = append(orphaned, j.pending)
		}
		removed++
	}
	for key, p := range q.pending {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if p.debounce != nil {
			p.debounce.Stop()
		}
		delete(q.pending, key)
		orphaned = append(orphaned, p)
		removed++
	}
	q.mu.Unlock()

	for _, p := range orphaned {
		p.settle(zero, ErrJobRemoved)
	}
	return removed
}

// Stats reports current queue occupancy and lifetime counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	delayed := 0
	for _, j := range q.jobs {
		if j.status == JobDelayed {
			delayed++
		}
	}
	return Stats{
		Pending:   q.heap.Len(),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   delayed,
	}
}

// Close cancels every timer, abandons waiting and delayed jobs,
// resolves their callers with ErrQueueClosed and stops the workers.
// Executing jobs run to completion and resolve their waiters normally.
func (q *Queue[T]) Close() {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, j := range q.jobs {
		switch j.status {
		case JobActive:
			continue
		case JobDelayed:
			if j.retry != nil {
				j.retry.Stop()
			}
		}
		delete(q.jobs, key)
	}
	var orphaned []*pendingRequest[T]
	for key, p := range q.pending {
		if j, ok := q.jobs[key]; ok && j.status == JobActive {
			continue
		}
		if p.debounce != nil {
			p.debounce.Stop()
		}
		delete(q.pending, key)
		orphaned = append(orphaned, p)
	}
	for _, j := range q.heap {
		j.index = -1
	}
	q.heap = q.heap[:0]
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, p := range orphaned {
		p.settle(zero, ErrQueueClosed)
	}
	q.wg.Wait()
}
