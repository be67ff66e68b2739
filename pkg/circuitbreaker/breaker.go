package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Window is the rolling period over which outcomes are counted.
	Window time.Duration
	// Timeout is the cool-down spent open before probing.
	Timeout time.Duration
	// MinRequests is the number of outcomes in the window required before
	// the failure rate is evaluated.
	MinRequests uint32
	// FailureRate in (0,1] opens the circuit when reached.
	FailureRate      float64
	SuccessThreshold uint32
	// IsFailure classifies an error returned by the wrapped call. Errors it
	// rejects are passed through without counting against the circuit. A
	// nil IsFailure counts every non-nil error.
	IsFailure     func(error) bool
	OnStateChange func(name string, from State, to State)
	Logger        *zap.Logger
	Now           func() time.Time
}

type outcome struct {
	at      time.Time
	success bool
}

type CircuitBreaker struct {
	name             string
	maxRequests      uint32
	window           time.Duration
	timeout          time.Duration
	minRequests      uint32
	failureRate      float64
	successThreshold uint32
	isFailure        func(error) bool
	onStateChange    func(name string, from State, to State)
	logger           *zap.Logger
	now              func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	outcomes   []outcome
	halfOpen   counts
	expiry     time.Time
}

type counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
}

// Counts is a point-in-time view of the rolling window.
type Counts struct {
	Requests  int
	Failures  int
	Successes int
}

func (c Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		maxRequests:      cfg.MaxRequests,
		window:           cfg.Window,
		timeout:          cfg.Timeout,
		minRequests:      cfg.MinRequests,
		failureRate:      cfg.FailureRate,
		successThreshold: cfg.SuccessThreshold,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.window <= 0 {
		cb.window = time.Minute
	}
	if cb.timeout <= 0 {
		cb.timeout = 60 * time.Second
	}
	if cb.minRequests == 0 {
		cb.minRequests = 5
	}
	if cb.failureRate <= 0 || cb.failureRate > 1 {
		cb.failureRate = 0.5
	}
	if cb.successThreshold == 0 {
		cb.successThreshold = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	if cb.logger == nil {
		cb.logger = zap.NewNop()
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	cb.toNewGeneration(cb.now())

	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open. ctx is only checked before the
// call; fn is responsible for honouring it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	switch {
	case err == nil:
		cb.afterRequest(generation, true)
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		// The caller gave up or ran out of time; say nothing about the
		// service. Timeouts fn applies itself still count.
		cb.release(generation)
	case cb.isFailure(err):
		cb.afterRequest(generation, false)
	default:
		cb.afterRequest(generation, true)
	}
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	} else if state == StateHalfOpen {
		if cb.halfOpen.Requests >= cb.maxRequests {
			return generation, ErrTooManyRequests
		}
		cb.halfOpen.Requests++
	}

	return generation, nil
}

func (cb *CircuitBreaker) release(before uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.generation == before && cb.state == StateHalfOpen && cb.halfOpen.Requests > 0 {
		cb.halfOpen.Requests--
	}
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateHalfOpen:
		cb.halfOpen.ConsecutiveSuccesses++
		if cb.halfOpen.ConsecutiveSuccesses >= cb.successThreshold {
			cb.setState(StateClosed, now)
		}
	case StateClosed:
		cb.record(now, true)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		cb.record(now, false)
		c := cb.countsLocked(now)
		if uint32(c.Requests) >= cb.minRequests && c.FailureRate() >= cb.failureRate {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) record(now time.Time, success bool) {
	cb.outcomes = append(cb.outcomes, outcome{at: now, success: success})
	cb.prune(now)
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	drop := 0
	for drop < len(cb.outcomes) && !cb.outcomes[drop].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		cb.outcomes = append(cb.outcomes[:0], cb.outcomes[drop:]...)
	}
}

func (cb *CircuitBreaker) countsLocked(now time.Time) Counts {
	cb.prune(now)
	var c Counts
	for _, o := range cb.outcomes {
		c.Requests++
		if o.success {
			c.Successes++
		} else {
			c.Failures++
		}
	}
	return c
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !cb.expiry.After(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	failures := cb.countsLocked(now).Failures
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Int("window_failures", failures),
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.outcomes = cb.outcomes[:0]
	cb.halfOpen = counts{}

	var zero time.Time
	switch cb.state {
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = zero
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.countsLocked(cb.now())
}
