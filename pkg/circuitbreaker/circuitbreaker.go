package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast until Timeout elapses
	StateHalfOpen              // a single probe call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures that open the circuit
	Timeout          time.Duration // Time spent open before a probe is allowed
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards a remote endpoint, e.g. an RTMP ingest server.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	probing         bool
	openedAt        time.Time
	lastFailureTime time.Time
	lastErr         error

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// OnStateChange registers fn, called synchronously outside the lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted until its result is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	allowed := true

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			allowed = false
			break
		}
		from, to, changed = cb.transitionLocked(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			allowed = false
		} else {
			cb.probing = true
		}
	}
	hook := cb.onStateChange
	cb.mu.Unlock()

	if changed && hook != nil {
		hook(from, to)
	}
	return allowed
}

// Record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	var from, to State
	changed := false

	if err == nil {
		cb.failures = 0
		cb.probing = false
		if cb.state != StateClosed {
			from, to, changed = cb.transitionLocked(StateClosed)
		}
	} else {
		cb.failures++
		cb.lastErr = err
		cb.lastFailureTime = cb.now()
		cb.probing = false
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			from, to, changed = cb.transitionLocked(StateOpen)
		}
	}
	hook := cb.onStateChange
	cb.mu.Unlock()

	if changed && hook != nil {
		hook(from, to)
	}
}

func (cb *CircuitBreaker) transitionLocked(next State) (State, State, bool) {
	prev := cb.state
	if prev == next {
		return prev, next, false
	}
	cb.state = next
	if next == StateOpen {
		cb.openedAt = cb.now()
	}
	if next == StateClosed {
		cb.failures = 0
	}
	return prev, next, true
}

// State returns the current state without triggering transitions.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter returns how long the circuit stays open, 0 when not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.config.Timeout - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// Stats holds circuit breaker statistics
type Stats struct {
	State           State
	Failures        int
	LastError       error
	LastFailureTime time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		Failures:        cb.failures,
		LastError:       cb.lastErr,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.probing = false
	hook := cb.onStateChange
	cb.mu.Unlock()

	if changed && hook != nil {
		hook(from, to)
	}
}
