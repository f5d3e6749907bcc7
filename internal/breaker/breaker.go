package breaker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Probing for recovery
)

// ErrOpen is returned by Execute without invoking the operation while the
// breaker is open and the reset timeout has not elapsed. Callers that can
// queue work should treat it as "queue instead of send", never as a failure
// to retry in place.
var ErrOpen = errors.New("circuit breaker is open")

// halfOpenSuccessesToClose is the number of consecutive successful calls a
// half-open breaker must observe before it closes again.
const halfOpenSuccessesToClose = 2

// Operation is any fallible call the breaker can guard.
type Operation func(ctx context.Context) error

// Counters exposes the breaker's bookkeeping. LastFailureTime is zeroed when
// the breaker closes after a successful half-open probe sequence.
type Counters struct {
	ConsecutiveFailures int
	LastFailureTime     time.Time
	HalfOpenSuccesses   int
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	AvgResponseTime     time.Duration
}

type CircuitBreaker struct {
	mutex    sync.Mutex
	state    State
	counters Counters

	// networkConnectivity is observability only: failure classification
	// flips it, but it never drives a state transition.
	networkConnectivity bool

	name                string
	failureThreshold    int
	resetTimeout        time.Duration
	healthCheckInterval time.Duration
	probe               Operation

	clk    clock.Clock
	logger *slog.Logger

	subs      map[int]func(from, to State)
	nextSubID int
}

type Option func(*CircuitBreaker)

// WithName labels the breaker in logs and registry stats.
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock replaces the wall clock, letting tests advance virtual time.
func WithClock(clk clock.Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clk = clk
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = log
	}
}

// WithHealthCheckInterval sets how often Run re-evaluates an open breaker.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.healthCheckInterval = interval
	}
}

// WithProbe supplies an operation the health-check loop executes while the
// breaker is half-open, so it can close again with zero live traffic.
func WithProbe(op Operation) Option {
	return func(cb *CircuitBreaker) {
		cb.probe = op
	}
}

func New(threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:               StateClosed,
		networkConnectivity: true,
		name:                "default",
		failureThreshold:    threshold,
		resetTimeout:        resetTimeout,
		healthCheckInterval: 30 * time.Second,
		clk:                 clock.New(),
		logger:              slog.Default(),
		subs:                make(map[int]func(from, to State)),
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Execute runs op under the breaker. While open it fails fast with ErrOpen;
// once the reset timeout has elapsed the call itself moves the breaker to
// half-open and proceeds as a probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.admit(); err != nil {
		return err
	}

	start := cb.clk.Now()
	err := op(ctx)
	elapsed := cb.clk.Now().Sub(start)

	if err != nil {
		cb.recordFailure(err)
		return err
	}

	cb.recordSuccess(elapsed)
	return nil
}

// admit gates the call and applies the Open -> HalfOpen transition when the
// reset timeout has elapsed since the last failure.
func (cb *CircuitBreaker) admit() error {
	cb.mutex.Lock()

	cb.counters.TotalRequests++

	if cb.state == StateOpen {
		if cb.clk.Now().Sub(cb.counters.LastFailureTime) < cb.resetTimeout {
			cb.mutex.Unlock()
			return ErrOpen
		}

		notify := cb.transitionLocked(StateHalfOpen)
		cb.mutex.Unlock()
		notify()
		return nil
	}

	cb.mutex.Unlock()
	return nil
}

func (cb *CircuitBreaker) recordSuccess(elapsed time.Duration) {
	cb.mutex.Lock()

	cb.counters.SuccessfulRequests++
	cb.counters.AvgResponseTime += (elapsed - cb.counters.AvgResponseTime) /
		time.Duration(cb.counters.SuccessfulRequests)
	cb.networkConnectivity = true

	notify := func() {}

	switch cb.state {
	case StateHalfOpen:
		cb.counters.HalfOpenSuccesses++
		if cb.counters.HalfOpenSuccesses >= halfOpenSuccessesToClose {
			cb.counters.ConsecutiveFailures = 0
			cb.counters.LastFailureTime = time.Time{}
			notify = cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		// A single success fully forgives prior failures.
		cb.counters.ConsecutiveFailures = 0
	}

	cb.mutex.Unlock()
	notify()
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()

	cb.counters.FailedRequests++
	cb.counters.ConsecutiveFailures++
	cb.counters.LastFailureTime = cb.clk.Now()

	if isNetworkUnavailable(err) {
		cb.networkConnectivity = false
	}

	notify := func() {}

	switch cb.state {
	case StateHalfOpen:
		notify = cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.counters.ConsecutiveFailures >= cb.failureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	}

	cb.mutex.Unlock()
	notify()

	cb.logger.Debug("guarded operation failed",
		slog.String("breaker", cb.name),
		slog.String("error", err.Error()))
}

// transitionLocked moves the state machine and returns the notification that
// must run after the mutex is released. Subscribers never observe the
// breaker's lock held.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}

	cb.state = to
	if to == StateHalfOpen {
		cb.counters.HalfOpenSuccesses = 0
	}

	subs := make([]func(from, to State), 0, len(cb.subs))
	for _, fn := range cb.subs {
		subs = append(subs, fn)
	}

	name := cb.name
	log := cb.logger

	return func() {
		log.Info("circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))

		for _, fn := range subs {
			fn(from, to)
		}
	}
}

// Run drives the periodic health check until ctx is cancelled. An open
// breaker whose reset timeout has elapsed is moved to half-open even with no
// traffic; if a probe operation is configured it is then executed so the
// breaker can close by itself.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	ticker := cb.clk.Ticker(cb.healthCheckInterval)
	defer ticker.Stop()

	cb.logger.Info("health check started", slog.String("breaker", cb.name))
	defer cb.logger.Info("health check stopped", slog.String("breaker", cb.name))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.healthCheck(ctx)
		}
	}
}

func (cb *CircuitBreaker) healthCheck(ctx context.Context) {
	cb.mutex.Lock()

	notify := func() {}
	if cb.state == StateOpen &&
		cb.clk.Now().Sub(cb.counters.LastFailureTime) >= cb.resetTimeout {
		notify = cb.transitionLocked(StateHalfOpen)
	}

	probe := cb.probe
	cb.mutex.Unlock()
	notify()

	if probe != nil && cb.State() == StateHalfOpen {
		// Outcome feeds the state machine like any guarded call.
		_ = cb.Execute(ctx, probe)
	}
}

// Subscribe registers fn for state transitions and returns a handle that
// detaches it. Callbacks run outside the breaker's lock, on the goroutine
// that caused the transition.
func (cb *CircuitBreaker) Subscribe(fn func(from, to State)) *Subscription {
	cb.mutex.Lock()
	id := cb.nextSubID
	cb.nextSubID++
	cb.subs[id] = fn
	cb.mutex.Unlock()

	return &Subscription{
		cancel: func() {
			cb.mutex.Lock()
			delete(cb.subs, id)
			cb.mutex.Unlock()
		},
	}
}

// Subscription is the detach handle returned by Subscribe.
type Subscription struct {
	cancel func()
}

// Unsubscribe removes the callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Counters returns a snapshot of the breaker's bookkeeping.
func (cb *CircuitBreaker) Counters() Counters {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counters
}

// NetworkConnectivity reports the last connectivity classification. False
// means the most recent failure looked like the network being away rather
// than the collector rejecting us.
func (cb *CircuitBreaker) NetworkConnectivity() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.networkConnectivity
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

var networkErrorPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"unreachable",
	"no such host",
	"dns",
	"network is down",
	"offline",
}

// isNetworkUnavailable classifies errors that look like the network being
// gone rather than the far side rejecting the request.
func isNetworkUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
