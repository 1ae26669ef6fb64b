// Package resilience provides the circuit breaker consulted around
// relational maintenance operations.
//
// The engine only depends on the Breaker interface; hosts that already run
// their own breaker can pass it in, everyone else gets the window-based
// implementation from NewBreaker.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is consulted before and after every maintenance operation.
// When the breaker is open, callers MUST skip the operation and return a
// neutral no-op result instead of an error.
type Breaker interface {
	// IsOpen reports whether the breaker currently rejects operations.
	IsOpen() bool

	// RecordSuccess reports a successful attempt.
	RecordSuccess()

	// RecordFailure reports a failed attempt.
	RecordFailure()
}

// Config tunes the default breaker.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	// OPTIONAL: defaults to 5.
	FailureThreshold int

	// OpenFor is how long the breaker stays open before allowing a probe.
	// OPTIONAL: defaults to 30s.
	OpenFor time.Duration

	// Logger for state transitions.
	// OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger
}

// breaker is a consecutive-failure breaker with a timed open window.
// After OpenFor elapses it lets one probe through (half-open); the probe's
// outcome closes or re-opens it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	openFor   time.Duration
	logger    *slog.Logger

	failures int
	openedAt time.Time
	open     bool
}

// NewBreaker creates the default breaker.
func NewBreaker(cfg Config) Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &breaker{
		threshold: cfg.FailureThreshold,
		openFor:   cfg.OpenFor,
		logger:    cfg.Logger,
	}
}

func (b *breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}
	if time.Since(b.openedAt) >= b.openFor {
		// Half-open: allow one probe through. The probe's RecordSuccess or
		// RecordFailure decides what happens next.
		return false
	}
	return true
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		b.logger.Info("circuit breaker closed after successful probe")
	}
	b.open = false
	b.failures = 0
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.open {
		// Failed probe: restart the open window.
		b.openedAt = time.Now()
		return
	}
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
		b.logger.Warn("circuit breaker opened",
			"consecutive_failures", b.failures,
			"open_for", b.openFor,
		)
	}
}

// Noop returns a breaker that is never open. Useful in tests and for hosts
// that do not want breaker behavior.
func Noop() Breaker { return noopBreaker{} }

type noopBreaker struct{}

func (noopBreaker) IsOpen() bool    { return false }
func (noopBreaker) RecordSuccess() {}
func (noopBreaker) RecordFailure() {}
