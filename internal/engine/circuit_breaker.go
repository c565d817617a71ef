package engine

import (
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// CircuitState is the state of one action's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the per-action breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before a probe is allowed
}

// DefaultCircuitBreakerConfig opens after 5 straight failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreakerRegistry tracks one breaker per action name. It outlives
// runs, so an action that keeps failing is short-circuited across retries
// and across runs until the cooldown passes.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry with cfg.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	return &CircuitBreakerRegistry{
		config:   cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow returns a CIRCUIT_OPEN error while the action's circuit is open.
// After the cooldown one probe call is let through (half-open).
func (r *CircuitBreakerRegistry) Allow(action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(action)
	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.openedAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for action %q after %d consecutive failures", action, b.failures).
				WithDetails(map[string]any{
					"action":   action,
					"failures": b.failures,
					"retry_in": (r.config.Cooldown - r.now().Sub(b.openedAt)).String(),
				})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for action %q: probe in flight", action)
		}
		b.probing = true
	}
	return nil
}

// Record feeds the outcome of a call back into the action's breaker and
// returns the resulting state.
func (r *CircuitBreakerRegistry) Record(action string, err error) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(action)
	b.probing = false
	if err == nil {
		b.failures = 0
		b.state = CircuitClosed
		return b.state
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State returns the current state of the action's circuit.
func (r *CircuitBreakerRegistry) State(action string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(action).state
}

// Reset closes every circuit.
func (r *CircuitBreakerRegistry) Reset() {
	r.mu.Lock()
	r.breakers = make(map[string]*breaker)
	r.mu.Unlock()
}

func (r *CircuitBreakerRegistry) get(action string) *breaker {
	b, ok := r.breakers[action]
	if !ok {
		b = &breaker{}
		r.breakers[action] = b
	}
	return b
}
