// Package history keeps the conversation log from taking live sessions down.
//
// [Guard] wraps a [memory.MessageLog]. Writes coming from the relay are
// bounded by a timeout, routed through a circuit breaker and never fail:
// errors are logged, counted and swallowed, and the guard reports itself as
// degraded until the next successful call. Reads used by the HTTP surface and
// the summariser still return their errors so callers can answer properly.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/resilience"
	"github.com/MrWong99/vistalk/pkg/memory"
)

// ErrUnavailable wraps reads rejected because the breaker is open.
var ErrUnavailable = errors.New("history: message log unavailable")

const defaultWriteTimeout = 2 * time.Second

// Option configures a [Guard].
type Option func(*Guard)

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(g *Guard) { g.breakerCfg = cfg }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithWriteTimeout bounds each Append. Default: 2s.
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// Guard is a failure-absorbing [memory.MessageLog]. It is safe for
// concurrent use.
type Guard struct {
	log        memory.MessageLog
	breaker    *resilience.Breaker
	breakerCfg resilience.BreakerConfig
	metrics    *observe.Metrics
	timeout    time.Duration
	degraded   atomic.Bool
}

var _ memory.MessageLog = (*Guard)(nil)

// New wraps log.
func New(log memory.MessageLog, opts ...Option) *Guard {
	g := &Guard{
		log:        log,
		timeout:    defaultWriteTimeout,
		breakerCfg: resilience.BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.breakerCfg.Name == "" {
		g.breakerCfg.Name = "history"
	}
	g.breaker = resilience.NewBreaker(g.breakerCfg)
	return g
}

// Record appends msg and absorbs any failure. It satisfies the relay's
// recorder contract.
func (g *Guard) Record(ctx context.Context, sessionID string, msg memory.Message) {
	_ = g.Append(ctx, sessionID, msg)
}

// Append writes msg to the wrapped log. It always returns nil.
func (g *Guard) Append(ctx context.Context, sessionID string, msg memory.Message) error {
	err := g.breaker.Do(func() error {
		wctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.log.Append(wctx, sessionID, msg)
	})
	if err != nil {
		g.fail(ctx, "append", err, "sender", string(msg.Sender), "chars", len(msg.Text))
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Messages reads a session's history through the breaker.
func (g *Guard) Messages(ctx context.Context, sessionID string) ([]memory.Message, error) {
	var msgs []memory.Message
	err := g.breaker.Do(func() error {
		var err error
		msgs, err = g.log.Messages(ctx, sessionID)
		return err
	})
	if err != nil {
		g.fail(ctx, "messages", err)
		return nil, g.wrap("messages", err)
	}
	g.degraded.Store(false)
	return msgs, nil
}

// Update writes session record fields through the breaker.
func (g *Guard) Update(ctx context.Context, sessionID string, fields map[string]any) error {
	// Caller mistakes do not count against the breaker.
	var invalid error
	err := g.breaker.Do(func() error {
		err := g.log.Update(ctx, sessionID, fields)
		if errors.Is(err, memory.ErrSessionNotFound) || errors.Is(err, memory.ErrUnknownField) {
			invalid = err
			return nil
		}
		return err
	})
	if invalid != nil {
		return invalid
	}
	if err != nil {
		g.fail(ctx, "update", err)
		return g.wrap("update", err)
	}
	g.degraded.Store(false)
	return nil
}

// Session reads the session record. A missing session is not a failure.
func (g *Guard) Session(ctx context.Context, sessionID string) (memory.SessionRecord, error) {
	rec, err := g.log.Session(ctx, sessionID)
	if err != nil && !errors.Is(err, memory.ErrSessionNotFound) {
		g.fail(ctx, "session", err)
		return rec, g.wrap("session", err)
	}
	return rec, err
}

// Ping checks the wrapped log when it supports it.
func (g *Guard) Ping(ctx context.Context) error {
	p, ok := g.log.(memory.Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Degraded reports whether the most recent call to the log failed.
func (g *Guard) Degraded() bool { return g.degraded.Load() }

// Check is a readiness probe: it fails while the guard is degraded or the
// breaker is open.
func (g *Guard) Check(context.Context) error {
	if s := g.breaker.State(); s != resilience.StateClosed {
		return fmt.Errorf("history: circuit %s", s)
	}
	if g.Degraded() {
		return errors.New("history: degraded")
	}
	return nil
}

func (g *Guard) fail(ctx context.Context, op string, err error, args ...any) {
	g.degraded.Store(true)
	g.metrics.RecordHistoryError(ctx, op)
	attrs := append([]any{"op", op, "err", err}, args...)
	if errors.Is(err, resilience.ErrOpen) {
		observe.Logger(ctx).Debug("history: call skipped", attrs...)
		return
	}
	observe.Logger(ctx).Warn("history: message log failed", attrs...)
}

func (g *Guard) wrap(op string, err error) error {
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("history: %s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("history: %s: %w", op, err)
}
