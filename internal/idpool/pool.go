// Package idpool maintains a bounded pool of pre-generated short IDs so hot
// paths can tag events without touching the entropy source.
package idpool

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/driftlight/overlay-server/internal/logger"
)

const (
	defaultCapacity = 100
	defaultLowWater = 20
)

// Generate returns a new 8-byte lowercase-hex ID. Not for security-sensitive
// identifiers.
func Generate() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Pool is a bounded store of pre-generated IDs with asynchronous refill.
type Pool struct {
	mu        sync.Mutex
	ids       []string
	live      map[string]struct{}
	capacity  int
	lowWater  int
	refilling bool
	logger    *logger.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity sets the target pool size.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLowWater sets the size at which an async refill is triggered.
func WithLowWater(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.lowWater = n
		}
	}
}

// New creates a pool pre-filled to capacity.
func New(log *logger.Logger, opts ...Option) *Pool {
	p := &Pool{
		live:     make(map[string]struct{}),
		capacity: defaultCapacity,
		lowWater: defaultLowWater,
		logger:   log.WithComponent("idpool"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	p.fillLocked()
	p.mu.Unlock()
	return p
}

// fillLocked tops the pool up to capacity. Caller holds p.mu.
func (p *Pool) fillLocked() {
	for len(p.ids) < p.capacity {
		id := Generate()
		if _, dup := p.live[id]; dup {
			continue
		}
		p.ids = append(p.ids, id)
		p.live[id] = struct{}{}
	}
}

// Take returns an ID in O(1). When the pool is empty it generates one
// inline; when the pool runs low it triggers an async refill.
func (p *Pool) Take() string {
	p.mu.Lock()

	if len(p.ids) == 0 {
		p.mu.Unlock()
		return Generate()
	}

	id := p.ids[len(p.ids)-1]
	p.ids = p.ids[:len(p.ids)-1]
	delete(p.live, id)

	if len(p.ids) <= p.lowWater && !p.refilling {
		p.refilling = true
		go p.refill()
	}
	p.mu.Unlock()
	return id
}

func (p *Pool) refill() {
	p.mu.Lock()
	before := len(p.ids)
	p.fillLocked()
	after := len(p.ids)
	p.refilling = false
	p.mu.Unlock()

	p.logger.Debug("pool refilled",
		slog.Int("before", before),
		slog.Int("after", after))
}

// Size returns the current number of pooled IDs.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
