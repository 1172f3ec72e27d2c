// Package circuitbreaker stops the proxy from dispatching to a provider that keeps
// failing. Each provider has its own breaker:
//   - closed: requests pass through
//   - open: requests fail with ErrCircuitBreakerOpen without contacting the provider
//   - half-open: after Timeout, requests are let through to probe recovery
//
// The in-memory breaker serves one instance; the Redis breaker shares state across
// replicas.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

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

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // open time before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// IsFailure reports whether err says something about the provider's health. Caller
// mistakes (4xx other than 429) and cancellations do not count.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrConfiguration) || errors.Is(err, domain.ErrInvalidRequest) {
		return false
	}
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode >= 500 || upErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

type InMemoryCircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateChangeFunc observes breaker transitions, e.g. to notify on provider outages.
type StateChangeFunc func(ctx context.Context, provider domain.Provider, from, to string)

// Manager owns one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[domain.Provider]CircuitBreaker
	config   Config
	factory  func(provider domain.Provider) CircuitBreaker
	onChange []StateChangeFunc
}

type ManagerOption func(*Manager)

// WithFactory replaces how breakers are created, e.g. with Redis-backed ones.
func WithFactory(factory func(provider domain.Provider) CircuitBreaker) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

func WithStateChange(fn StateChangeFunc) ManagerOption {
	return func(m *Manager) { m.onChange = append(m.onChange, fn) }
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[domain.Provider]CircuitBreaker),
		config:   cfg,
		factory: func(domain.Provider) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(provider domain.Provider) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[provider]; ok {
		return cb
	}
	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

// Allow gates a dispatch to provider.
func (m *Manager) Allow(ctx context.Context, provider domain.Provider) error {
	cb := m.Get(provider)
	before := cb.State(ctx)
	err := cb.Allow(ctx)
	m.notify(ctx, provider, before, cb.State(ctx))
	return err
}

// Record feeds the outcome of a dispatch back into provider's breaker.
func (m *Manager) Record(ctx context.Context, provider domain.Provider, err error) {
	cb := m.Get(provider)
	before := cb.State(ctx)
	if IsFailure(err) {
		cb.RecordFailure(ctx)
	} else if err == nil {
		cb.RecordSuccess(ctx)
	}
	m.notify(ctx, provider, before, cb.State(ctx))
}

func (m *Manager) notify(ctx context.Context, provider domain.Provider, from, to State) {
	if from == to {
		return
	}
	slog.Warn("circuit breaker state changed", "provider", provider, "from", from.String(), "to", to.String())
	for _, fn := range m.onChange {
		fn(ctx, provider, from.String(), to.String())
	}
}

// States returns the state of every breaker created so far.
func (m *Manager) States(ctx context.Context) map[domain.Provider]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[domain.Provider]string, len(m.breakers))
	for p, cb := range m.breakers {
		states[p] = cb.State(ctx).String()
	}
	return states
}
