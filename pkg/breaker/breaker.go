// Package breaker provides a per-service circuit breaker. Each upstream
// service id owns its own state, so an outage of one provider never blocks
// calls to another sharing the process.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketpipe/pkg/clock"
)

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = time.Minute
)

// State describes a circuit's position in the state machine.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for %s, retry in %s", e.Service, e.RetryAfter)
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold flips closed -> open after this many consecutive failures.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before the half-open trial.
	ResetTimeout time.Duration
}

// Breaker tracks circuit state per service id. States are created lazily on
// first use and live for the process lifetime.
type Breaker struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	trialInFlight       bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects an alternative time source.
func WithClock(clk clock.Clock) Option {
	return func(b *Breaker) {
		if clk != nil {
			b.clock = clk
		}
	}
}

// New constructs a breaker. Zero config fields use the defaults
// (3 failures / 60s reset).
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	breaker := &Breaker{
		cfg:      cfg,
		clock:    clock.NewSystem(),
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(breaker)
	}
	return breaker
}

// Allow reports whether a call to the service may proceed. It returns an
// *OpenError when the circuit is open, and transitions open -> half-open when
// the reset timeout has elapsed (admitting exactly one trial call).
func (b *Breaker) Allow(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(service)
	now := b.clock.Now()
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(c.lastFailureAt) > b.cfg.ResetTimeout {
			c.state = StateHalfOpen
			c.trialInFlight = true
			logx.Infof("breaker: %s open -> half_open, admitting trial", service)
			return nil
		}
		return &OpenError{Service: service, RetryAfter: b.retryAfterLocked(c, now)}
	case StateHalfOpen:
		if !c.trialInFlight {
			c.trialInFlight = true
			return nil
		}
		return &OpenError{Service: service, RetryAfter: b.retryAfterLocked(c, now)}
	}
	return nil
}

// ReportSuccess records a successful call: counters reset and the circuit
// closes regardless of its previous state.
func (b *Breaker) ReportSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(service)
	if c.state != StateClosed {
		logx.Infof("breaker: %s %s -> closed", service, c.state)
	}
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.trialInFlight = false
}

// ReportFailure records a failed call. A half-open trial failure reopens
// immediately; in closed state the circuit opens once the consecutive-failure
// threshold is reached.
func (b *Breaker) ReportFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(service)
	c.consecutiveFailures++
	c.lastFailureAt = b.clock.Now()

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.trialInFlight = false
		logx.Errorf("breaker: %s trial failed, half_open -> open", service)
	case StateClosed:
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			c.state = StateOpen
			logx.Errorf("breaker: %s closed -> open after %d consecutive failures",
				service, c.consecutiveFailures)
		}
	}
}

// Status is a read-only view of one circuit for observability.
type Status struct {
	Service             string        `json:"service"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	TimeToReset         time.Duration `json:"timeToReset"`
}

// Status returns the current state of the circuit for the service.
func (b *Breaker) Status(service string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(service)
	status := Status{
		Service:             service,
		State:               c.state.String(),
		ConsecutiveFailures: c.consecutiveFailures,
	}
	if c.state == StateOpen {
		status.TimeToReset = b.retryAfterLocked(c, b.clock.Now())
	}
	return status
}

// Services returns the ids of every circuit created so far.
func (b *Breaker) Services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	services := make([]string, 0, len(b.circuits))
	for id := range b.circuits {
		services = append(services, id)
	}
	return services
}

func (b *Breaker) circuitFor(service string) *circuit {
	c, ok := b.circuits[service]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[service] = c
	}
	return c
}

func (b *Breaker) retryAfterLocked(c *circuit, now time.Time) time.Duration {
	wait := b.cfg.ResetTimeout - now.Sub(c.lastFailureAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// Do runs op under the breaker for the given service. When the circuit is
// open (or the half-open trial slot is taken) op is not attempted: the
// fallback is invoked instead when supplied, otherwise the *OpenError is
// returned. Success and failure of op are reported back to the breaker.
func Do[T any](b *Breaker, ctx context.Context, service string,
	op func(context.Context) (T, error),
	fallback func(context.Context) (T, error)) (T, error) {

	var zero T
	if err := b.Allow(service); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, err
	}

	result, err := op(ctx)
	if err != nil {
		b.ReportFailure(service)
		return zero, err
	}
	b.ReportSuccess(service)
	return result, nil
}
