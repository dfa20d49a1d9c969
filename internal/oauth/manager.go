// Package oauth manages per-service OAuth token lifecycles: persistence,
// refresh-before-expiry, validation, and single-flight refresh serialization.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/driftlight/overlay-server/internal/breaker"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/metrics"
	"github.com/driftlight/overlay-server/internal/retry"
	"github.com/driftlight/overlay-server/internal/store"
)

var (
	ErrNoTokenAvailable     = errors.New("no_token_available")
	ErrNoRefreshToken       = errors.New("no_refresh_token")
	ErrServiceNotRegistered = errors.New("service_not_registered")
	ErrValidationFailed     = errors.New("validation_failed")
)

// RefreshError wraps the underlying cause of a failed refresh.
type RefreshError struct {
	Service string
	Reason  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh_failed(%s): %v", e.Service, e.Reason)
}

func (e *RefreshError) Unwrap() error { return e.Reason }

const (
	defaultRefreshBuffer = 5 * time.Minute

	// Auto-refresh failure backoff bounds.
	autoRefreshBaseDelay = 60 * time.Second
	autoRefreshMaxDelay  = 3600 * time.Second
	autoRefreshJitter    = 0.10
)

type refreshCall struct {
	done  chan struct{}
	token store.Token
	err   error
}

type serviceState struct {
	config ServiceConfig
	token  *store.Token

	inflight     *refreshCall
	autoTimer    *time.Timer
	backoffDelay time.Duration
}

// Manager owns the token lifecycle for every registered service.
type Manager struct {
	mu       sync.Mutex
	services map[string]*serviceState

	store    store.TokenStore
	recovery store.TokenStore // secondary copy, may be nil
	provider Provider
	breakers *breaker.Registry

	refreshBuffer time.Duration
	retryOpts     retry.Options
	autoRefresh   bool
	now           func() time.Time
	logger        *logger.Logger

	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshBuffer sets how long before expiry a refresh is attempted.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshBuffer = d
		}
	}
}

// WithRecoveryStore sets the secondary store that mirrors every persisted
// token, used to recreate records when the primary is unreadable at startup.
func WithRecoveryStore(s store.TokenStore) Option {
	return func(m *Manager) {
		m.recovery = s
	}
}

// WithRetryOptions overrides the retry policy around provider calls.
func WithRetryOptions(opts retry.Options) Option {
	return func(m *Manager) {
		m.retryOpts = opts
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithAutoRefresh toggles the background refresh timers. On by default;
// tests that drive refresh explicitly turn it off.
func WithAutoRefresh(enabled bool) Option {
	return func(m *Manager) {
		m.autoRefresh = enabled
	}
}

// NewManager creates a token manager backed by the given store and provider.
func NewManager(tokens store.TokenStore, provider Provider, breakers *breaker.Registry, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		services:      make(map[string]*serviceState),
		store:         tokens,
		provider:      provider,
		breakers:      breakers,
		refreshBuffer: defaultRefreshBuffer,
		autoRefresh:   true,
		now:           time.Now,
		logger:        log.WithComponent("oauth"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a service and loads its persisted token, consulting the
// recovery copy when the primary store is unreadable.
func (m *Manager) Register(ctx context.Context, cfg ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &serviceState{config: cfg}
	m.services[cfg.Name] = st

	tok, err := m.store.GetToken(ctx, cfg.Name)
	switch {
	case err == nil:
		st.token = &tok
	case errors.Is(err, store.ErrTokenNotFound):
		// No persisted token yet.
	default:
		// Primary unreadable: fall back to the recovery copy and heal the
		// primary with it.
		m.logger.Warn("primary token store unreadable",
			slog.String("service", cfg.Name),
			slog.String("error", err.Error()))
		if m.recovery != nil {
			if rec, recErr := m.recovery.GetToken(ctx, cfg.Name); recErr == nil {
				st.token = &rec
				if saveErr := m.store.SaveToken(ctx, cfg.Name, rec); saveErr != nil {
					m.logger.Error("failed to heal primary token store",
						slog.String("service", cfg.Name),
						slog.String("error", saveErr.Error()))
				}
			}
		}
	}

	if st.token != nil {
		m.scheduleAutoRefreshLocked(st)
	}
	return nil
}

// Store persists a token and installs it in memory. Persistence is
// write-ahead: the primary store, then the recovery copy, then memory.
func (m *Manager) Store(ctx context.Context, service string, token store.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.services[service]
	if !ok {
		return ErrServiceNotRegistered
	}
	if err := m.persistLocked(ctx, service, token); err != nil {
		return err
	}
	st.token = &token
	st.backoffDelay = 0
	m.scheduleAutoRefreshLocked(st)
	return nil
}

// persistLocked writes the token to the primary store (mandatory) and the
// recovery copy (best effort). Caller holds m.mu.
func (m *Manager) persistLocked(ctx context.Context, service string, token store.Token) error {
	if err := m.store.SaveToken(ctx, service, token); err != nil {
		return fmt.Errorf("persist token for %s: %w", service, err)
	}
	if m.recovery != nil {
		if err := m.recovery.SaveToken(ctx, service, token); err != nil {
			m.logger.Error("failed to write recovery token copy",
				slog.String("service", service),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// GetValid returns a usable token for service, refreshing it first when it
// is inside the refresh buffer. On refresh failure an unexpired token is
// returned degraded rather than failing the caller.
func (m *Manager) GetValid(ctx context.Context, service string) (store.Token, error) {
	m.mu.Lock()
	st, ok := m.services[service]
	if !ok {
		m.mu.Unlock()
		return store.Token{}, ErrServiceNotRegistered
	}
	if st.token == nil {
		m.mu.Unlock()
		return store.Token{}, ErrNoTokenAvailable
	}

	tok := *st.token
	needsRefresh := tok.ExpiresAt != nil && !m.now().Add(m.refreshBuffer).Before(*tok.ExpiresAt)
	m.mu.Unlock()

	if !needsRefresh {
		return tok, nil
	}

	refreshed, err := m.Refresh(ctx, service)
	if err == nil {
		return refreshed, nil
	}
	if !tok.Expired(m.now()) {
		m.logger.Warn("refresh failed, returning unexpired token degraded",
			slog.String("service", service),
			slog.String("error", err.Error()))
		return tok, nil
	}
	return store.Token{}, err
}

// Refresh obtains a fresh token. Concurrent callers for the same service
// collapse into a single provider request and share its outcome.
func (m *Manager) Refresh(ctx context.Context, service string) (store.Token, error) {
	m.mu.Lock()
	st, ok := m.services[service]
	if !ok {
		m.mu.Unlock()
		return store.Token{}, ErrServiceNotRegistered
	}

	if call := st.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return store.Token{}, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	st.inflight = call
	cfg := st.config
	var refreshToken string
	if st.token != nil {
		refreshToken = st.token.RefreshToken
	}
	m.mu.Unlock()

	token, err := m.doRefresh(ctx, cfg, refreshToken)

	m.mu.Lock()
	st.inflight = nil
	if err == nil {
		if persistErr := m.persistLocked(ctx, service, token); persistErr != nil {
			err = persistErr
		} else {
			st.token = &token
			st.backoffDelay = 0
			m.scheduleAutoRefreshLocked(st)
		}
	}
	m.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.TokenRefreshTotal.WithLabelValues(service, outcome).Inc()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

func (m *Manager) doRefresh(ctx context.Context, cfg ServiceConfig, refreshToken string) (store.Token, error) {
	if refreshToken == "" {
		return store.Token{}, ErrNoRefreshToken
	}

	b := m.breakers.Get(cfg.Name)
	var token store.Token
	err := b.Execute(func() error {
		var err error
		token, err = retry.Do(ctx, m.retryOpts, func() (store.Token, error) {
			return m.provider.Refresh(ctx, cfg, refreshToken)
		})
		return err
	})
	if err != nil {
		return store.Token{}, &RefreshError{Service: cfg.Name, Reason: err}
	}
	return token, nil
}

// Validate checks the current token with the provider and merges the
// returned identity into the stored record.
func (m *Manager) Validate(ctx context.Context, service string) (ValidateInfo, error) {
	m.mu.Lock()
	st, ok := m.services[service]
	if !ok {
		m.mu.Unlock()
		return ValidateInfo{}, ErrServiceNotRegistered
	}
	if st.token == nil {
		m.mu.Unlock()
		return ValidateInfo{}, ErrNoTokenAvailable
	}
	cfg := st.config
	access := st.token.AccessToken
	m.mu.Unlock()

	b := m.breakers.Get(cfg.Name)
	var info ValidateInfo
	err := b.Execute(func() error {
		var err error
		info, err = retry.Do(ctx, m.retryOpts, func() (ValidateInfo, error) {
			return m.provider.Validate(ctx, cfg, access)
		})
		return err
	})
	if err != nil {
		return ValidateInfo{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st.token != nil && st.token.AccessToken == access {
		merged := *st.token
		if info.UserID != "" {
			merged.UserID = info.UserID
		}
		if len(info.Scopes) > 0 {
			merged.Scopes = info.Scopes
		}
		if err := m.persistLocked(ctx, service, merged); err != nil {
			m.logger.Error("failed to persist validated token",
				slog.String("service", service),
				slog.String("error", err.Error()))
		} else {
			st.token = &merged
		}
	}
	return info, nil
}

// scheduleAutoRefreshLocked arms the background refresh so it fires the
// refresh buffer ahead of expiry. Caller holds m.mu.
func (m *Manager) scheduleAutoRefreshLocked(st *serviceState) {
	if st.autoTimer != nil {
		st.autoTimer.Stop()
		st.autoTimer = nil
	}
	if m.closed || !m.autoRefresh || st.token == nil || st.token.ExpiresAt == nil {
		return
	}

	delay := st.token.ExpiresAt.Sub(m.now()) - m.refreshBuffer
	if delay < 0 {
		delay = 0
	}
	name := st.config.Name
	st.autoTimer = time.AfterFunc(delay, func() { m.runAutoRefresh(name) })
}

func (m *Manager) runAutoRefresh(service string) {
	_, err := m.Refresh(context.Background(), service)
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.services[service]
	if !ok || m.closed {
		return
	}

	if st.backoffDelay == 0 {
		st.backoffDelay = autoRefreshBaseDelay
	} else {
		st.backoffDelay *= 2
		if st.backoffDelay > autoRefreshMaxDelay {
			st.backoffDelay = autoRefreshMaxDelay
		}
	}
	delay := jitter(st.backoffDelay, autoRefreshJitter)

	m.logger.Error("auto refresh failed, backing off",
		slog.String("service", service),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()))

	if st.autoTimer != nil {
		st.autoTimer.Stop()
	}
	st.autoTimer = time.AfterFunc(delay, func() { m.runAutoRefresh(service) })
}

// jitter spreads d uniformly by ±fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + delta))
}

// Close stops every background timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, st := range m.services {
		if st.autoTimer != nil {
			st.autoTimer.Stop()
			st.autoTimer = nil
		}
	}
}
