package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable backends. Calls go to the
// first member whose breaker admits them; failures fall through to the next.
type Group[T any] struct {
	members []member[T]
	cfg     BreakerConfig
}

// NewGroup returns a Group with primary as its first member. cfg is the
// template for every member's breaker; Name is replaced per member.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. It must not be called concurrently with [Call].
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Names returns the member names in call order.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.members))
	for i, m := range g.members {
		out[i] = m.name
	}
	return out
}

// Call runs fn against the members in order and returns the first success.
// Go has no method type parameters, hence the package-level function.
func Call[T, R any](g *Group[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Do(func() error {
			var ferr error
			out, ferr = fn(m.name, m.value)
			return ferr
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping backend", "backend", m.name)
		} else {
			slog.Warn("resilience: backend failed", "backend", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
