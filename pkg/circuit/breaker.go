// Package circuit provides the circuit breakers that guard each daemon port.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/coinpool/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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
	MaxFailures     int           // failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // open -> half-open delay
	ResetTimeout    time.Duration // failure count reset window while closed

	// Counts decides whether an error counts as a failure. Nil counts every error.
	Counts func(error) bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// DaemonConfig trips only on transport failures. A daemon that answers with an
// RPC error is alive.
func DaemonConfig() *Config {
	cfg := DefaultConfig()
	cfg.Counts = func(err error) bool {
		return errors.HasType(err, errors.ErrorTypeTransport) || errors.HasType(err, errors.ErrorTypeTimeout)
	}
	return cfg
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex
	now    func() time.Time

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

func (cb *Breaker) openError() *errors.ServiceError {
	return errors.New(errors.ErrorTypeTransport, "circuit_breaker", "circuit breaker is open").
		WithContext("state", cb.GetState().String()).
		AsRetryable(false)
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.recordResult(err)

	return result, err
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// recordResult records the result of a function execution
func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil && (cb.config.Counts == nil || cb.config.Counts(err)) {
		cb.failures++
		cb.lastFailTime = cb.now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
		} else if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.now()
		}
	case StateClosed:
		cb.successes++
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
}

// Set lazily creates one breaker per key, e.g. one per daemon port.
type Set[K comparable] struct {
	config *Config
	mu     sync.Mutex
	items  map[K]*Breaker
}

// NewSet creates an empty breaker set sharing config.
func NewSet[K comparable](config *Config) *Set[K] {
	return &Set[K]{config: config, items: make(map[K]*Breaker)}
}

// Get returns the breaker for key, creating it on first use.
func (s *Set[K]) Get(key K) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[key]
	if !ok {
		b = New(s.config)
		s.items[key] = b
	}
	return b
}

// Stats snapshots every breaker in the set.
func (s *Set[K]) Stats() map[K]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[K]Stats, len(s.items))
	for k, b := range s.items {
		out[k] = b.GetStats()
	}
	return out
}
