// Package resilience protects the upstream dial path with a circuit
// breaker. Every relay session opens a fresh upstream connection; when the
// realtime service is down, the breaker fails those dials fast instead of
// letting each new browser session burn a full retry cycle against a dead
// endpoint.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dana-Harb/brewrelay/internal/observe"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open and the
// reset timeout has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls immediately with [ErrOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether the upstream has recovered.
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
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields get defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default: 3 — one full session's worth of dial retries.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds concurrent probes in the half-open state.
	// Default: 1 — a single browser session probes on behalf of all.
	HalfOpenMax int
}

// Breaker is a three-state circuit breaker (closed, open, half-open). Safe
// for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// NewBreaker creates a Breaker from cfg, filling defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn unless the breaker is open. A failure in the half-open
// state re-opens immediately; enough successful probes close the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		observe.Logger(ctx).Info("circuit half-open, probing", "breaker", b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(ctx, probing)
	} else {
		b.onSuccess(ctx, probing)
	}
	return err
}

func (b *Breaker) onFailure(ctx context.Context, probing bool) {
	b.lastFailure = time.Now()
	if probing {
		b.halfOpenFails++
		b.state = StateOpen
		b.failures = b.maxFailures
		observe.Logger(ctx).Warn("circuit re-opened after failed probe", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = StateOpen
		observe.Logger(ctx).Warn("circuit opened",
			"breaker", b.name,
			"consecutive_failures", b.failures,
		)
	}
}

func (b *Breaker) onSuccess(ctx context.Context, probing bool) {
	if probing {
		if b.halfOpenCalls-b.halfOpenFails >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			observe.Logger(ctx).Info("circuit closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the effective state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// GuardedConnector wraps an [upstream.Connector] with a [Breaker] so session
// setup fails fast while the upstream is known-bad.
type GuardedConnector struct {
	inner   upstream.Connector
	breaker *Breaker
}

var _ upstream.Connector = (*GuardedConnector)(nil)

// Guard wraps inner with breaker.
func Guard(inner upstream.Connector, breaker *Breaker) *GuardedConnector {
	return &GuardedConnector{inner: inner, breaker: breaker}
}

// Connect dials through the breaker.
func (g *GuardedConnector) Connect(ctx context.Context) (upstream.Conn, error) {
	var conn upstream.Conn
	err := g.breaker.Execute(ctx, func() error {
		c, err := g.inner.Connect(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State exposes the breaker state, for readiness reporting.
func (g *GuardedConnector) State() State {
	return g.breaker.State()
}
