package coalesce

import (
	"time"

	"marketpipe/pkg/clock"
)

// JobStatus tracks where a job is in its life. Waiting jobs sit in the
// priority heap, delayed jobs are parked on a backoff timer, and a job
// is removed from the key index once it settles.
type JobStatus int

const (
	JobWaiting JobStatus = iota
	JobDelayed
	JobActive
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobWaiting:
		return "waiting"
	case JobDelayed:
		return "delayed"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type job[T any] struct {
	key      string
	priority int
	seq      uint64 // FIFO tie-break among equal priorities
	gen      uint64
	attempts int
	status   JobStatus
	pending  *pendingRequest[T]
	retry    clock.Timer
	index    int // heap position, -1 when not queued
}

// pendingRequest is the single in-flight unit for a key. All callers
// awaiting the key block on done; the generation counter lets a forced
// refresh supersede an older job so its late result is discarded.
type pendingRequest[T any] struct {
	key       string
	createdAt time.Time
	gen       uint64
	waiters   int
	debounce  clock.Timer
	done      chan struct{}
	value     T
	err       error
}

func (p *pendingRequest[T]) settle(value T, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

// jobHeap orders waiting jobs by priority, highest first, then by
// submission order. Implements container/heap.
type jobHeap[T any] []*job[T]

func (h jobHeap[T]) Len() int { return len(h) }

func (h jobHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap[T]) Push(x any) {
	j := x.(*job[T])
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap[T]) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
