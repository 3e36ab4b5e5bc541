package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	MaxRequests   int
	OnStateChange func(name string, from State, to State)
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure func(err error) bool
}

// CircuitBreaker fails fast once a downstream dependency keeps erroring.
// Calls are never retried here; the caller gets the error straight back.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	maxRequests   int
	onStateChange func(name string, from State, to State)
	isFailure     func(err error) bool

	mutex        sync.RWMutex
	state        State
	failures     int
	requests     int
	lastFailTime time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	stateChanges    int64
	lastStateChange time.Time

	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
		logger.Warn("Circuit breaker created without name, using 'unnamed'")
	}

	if config.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.MaxFailures,
			"default_value":   5,
		}).Warn("Invalid MaxFailures value, using default")
		config.MaxFailures = 5
	}

	if config.Timeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout,
			"default_value":   "30s",
		}).Warn("Invalid Timeout value, using default")
		config.Timeout = 30 * time.Second
	}

	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}

	if config.MaxFailures > 1000 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.MaxFailures,
			"max_allowed":     1000,
		}).Warn("MaxFailures too high, capping at maximum")
		config.MaxFailures = 1000
	}

	if config.Timeout > 10*time.Minute {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout,
			"max_allowed":     "10m",
		}).Warn("Timeout too high, capping at maximum")
		config.Timeout = 10 * time.Minute
	}

	if config.MaxRequests > 100 {
		config.MaxRequests = 100
	}

	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		name:          config.Name,
		maxFailures:   config.MaxFailures,
		timeout:       config.Timeout,
		maxRequests:   config.MaxRequests,
		onStateChange: config.OnStateChange,
		isFailure:     config.IsFailure,
		state:         StateClosed,
		logger:        logger,
	}
}

// Execute runs fn unless the breaker is open. A cancelled ctx is rejected
// before fn runs and is not counted as a downstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil && cb.isFailure(err) && ctx.Err() == nil {
		cb.onFailure()
		cb.totalFailures++
		return err
	}

	cb.onSuccess()
	cb.totalSuccesses++
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailTime) <= cb.timeout {
			cb.totalRejected++
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           cb.state.String(),
			}).Debug("Circuit breaker is open, rejecting request")
			return ErrCircuitBreakerOpen
		}
		cb.setState(StateHalfOpen)
		cb.requests = 0
	}

	if cb.state == StateHalfOpen && cb.requests >= cb.maxRequests {
		cb.totalRejected++
		return ErrCircuitBreakerOpen
	}

	cb.totalRequests++
	if cb.state == StateHalfOpen {
		cb.requests++
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
		cb.requests = 0
	} else if cb.state == StateHalfOpen {
		cb.setState(StateOpen)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChanges++
	cb.lastStateChange = time.Now()

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.executeStateChangeCallback(cb.name, oldState, newState)
	}
}

func (cb *CircuitBreaker) executeStateChangeCallback(name string, from State, to State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				cb.logger.WithFields(logrus.Fields{
					"circuit_breaker": name,
					"from_state":      from.String(),
					"to_state":        to.String(),
					"panic":           r,
				}).Error("Circuit breaker state change callback panicked")
			}
			close(done)
		}()

		cb.onStateChange(name, from, to)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": name,
			"from_state":      from.String(),
			"to_state":        to.String(),
		}).Warn("Circuit breaker state change callback timed out")
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"name":              cb.name,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"requests":          cb.requests,
		"total_requests":    cb.totalRequests,
		"total_failures":    cb.totalFailures,
		"total_successes":   cb.totalSuccesses,
		"total_rejected":    cb.totalRejected,
		"state_changes":     cb.stateChanges,
		"max_failures":      cb.maxFailures,
		"timeout_seconds":   cb.timeout.Seconds(),
		"max_requests":      cb.maxRequests,
		"last_failure":      cb.lastFailTime.Format(time.RFC3339),
		"last_state_change": cb.lastStateChange.Format(time.RFC3339),
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.requests = 0
	cb.lastFailTime = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.name, cb.state.String(), cb.failures, cb.maxFailures)
}
