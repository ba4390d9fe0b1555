package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by errors.Is for every rejection by an open breaker.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned without calling the wrapped function while the
// breaker is open or its half-open probe budget is used up.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Options tune a CircuitBreaker. Zero values get defaults.
type Options struct {
	MaxFailures      uint32
	Timeout          time.Duration
	HalfOpenMaxCalls uint32
	// CountsAsFailure decides which errors trip the breaker. Nil counts all.
	CountsAsFailure func(error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
}

// CircuitBreaker stops calling an unhealthy dependency after MaxFailures
// consecutive failures and probes it again after Timeout.
type CircuitBreaker struct {
	name string
	opts Options
	now  func() time.Time

	mu                sync.Mutex
	state             State
	failures          uint32
	openedAt          time.Time
	halfOpenInFlight  uint32
	halfOpenSuccesses uint32
	requests          uint64
}

func New(name string, opts Options) *CircuitBreaker {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{name: name, opts: opts, now: time.Now}
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)
	failed := err != nil && (cb.opts.CountsAsFailure == nil || cb.opts.CountsAsFailure(err))
	cb.release(probe, failed)
	return err
}

func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	cb.requests++
	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.opts.Timeout {
			return false, &OpenError{Name: cb.name, State: StateOpen, RetryAfter: cb.opts.Timeout - elapsed}
		}
		changed = cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.opts.HalfOpenMaxCalls {
			return false, &OpenError{Name: cb.name, State: StateHalfOpen, RetryAfter: cb.opts.Timeout}
		}
		cb.halfOpenInFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) release(probe, failed bool) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	switch {
	case failed && cb.state == StateHalfOpen:
		changed = cb.trip()
	case failed && cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.opts.MaxFailures {
			changed = cb.trip()
		}
	case !failed && cb.state == StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.opts.HalfOpenMaxCalls {
			changed = cb.setState(StateClosed)
		}
	case !failed && cb.state == StateClosed:
		cb.failures = 0
	}
}

// trip opens the breaker. Caller holds mu.
func (cb *CircuitBreaker) trip() func() {
	cb.openedAt = cb.now()
	cb.opts.Logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
	}).Warn("Circuit breaker opened due to failures")
	return cb.setState(StateOpen)
}

// setState switches state and resets counters. Caller holds mu; the returned
// func must run after unlocking.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0

	if to == StateClosed {
		cb.opts.Logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful recovery")
	}
	if cb.opts.OnStateChange == nil || from == to {
		return nil
	}
	name, hook := cb.name, cb.opts.OnStateChange
	return func() { hook(name, from, to) }
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State reports the current state. An open breaker whose timeout has passed
// still reads OPEN until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name     string
	State    State
	Failures uint32
	Requests uint64
	OpenedAt time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
		Requests: cb.requests,
		OpenedAt: cb.openedAt,
	}
}
