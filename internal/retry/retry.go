// Package retry executes thunks with bounded attempts and jittered
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultFactor      = 2.0
	defaultJitter      = 0.25
)

// Predicate decides whether an error is worth retrying.
type Predicate func(error) bool

// Options tune the executor. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Retryable   Predicate
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = defaultFactor
	}
	if o.Jitter <= 0 {
		o.Jitter = defaultJitter
	}
	if o.Retryable == nil {
		o.Retryable = DefaultPredicate
	}
	return o
}

// HTTPError carries an upstream HTTP status through the error chain so the
// predicate can see it.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http error: %s", e.Status)
	}
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// DefaultPredicate retries on timeouts, connection-level failures,
// throttling responses, and 5xx gateway errors.
func DefaultPredicate(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "rate limit")
}

// Do runs fn up to MaxAttempts times. The delay before attempt k (k >= 2) is
// min(base*factor^(k-2), max), jittered uniformly by the configured factor.
// Non-retryable errors stop immediately.
func Do[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	opts = opts.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.RandomizationFactor = opts.Jitter
	bo.Multiplier = opts.Factor
	bo.MaxInterval = opts.MaxDelay

	op := func() (T, error) {
		v, err := fn()
		if err != nil && !opts.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(opts.MaxAttempts)))
}

// Run is Do for thunks without a result.
func Run(ctx context.Context, opts Options, fn func() error) error {
	_, err := Do(ctx, opts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
