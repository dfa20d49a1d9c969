// Package breaker implements a per-service circuit breaker.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
)

// ErrCircuitOpen is returned when a request is short-circuited.
var ErrCircuitOpen = errors.New("circuit_open")

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// State of a breaker.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker gates calls to one downstream service.
//
//	closed    — requests pass; consecutive failures count toward the threshold
//	open      — requests fail fast until the cooldown elapses
//	half_open — a single probe is admitted; its outcome decides the next state
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	cooldown         time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool

	now    func() time.Time
	logger *logger.Logger
}

// Option configures a Breaker or every breaker in a Registry.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive-failure count that opens the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a breaker for the named service.
func New(name string, log *logger.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
		logger:           log.WithComponent("breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn under the breaker. When the circuit is open the call is
// rejected with ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		b.probing = false
		if success {
			b.failures = 0
			b.transitionLocked(StateClosed)
		} else {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}

	case StateOpen:
		// A call admitted before the transition raced the open; outcome is
		// already reflected by openedAt.
	}
}

// transitionLocked changes state. Caller holds b.mu.
func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	metrics.BreakerTransitionsTotal.WithLabelValues(b.name, next.String()).Inc()
	b.logger.Info("breaker state change",
		slog.String("service", b.name),
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.Int("failures", b.failures))
}

// Registry hands out one breaker per service name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	logger   *logger.Logger
}

// NewRegistry creates a registry whose breakers share opts.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
		logger:   log,
	}
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.logger, r.opts...)
	r.breakers[service] = b
	return b
}
