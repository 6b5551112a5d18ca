package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestGroup_PrimaryFirst(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", 1, BreakerConfig{Threshold: 3})
	g.Add("secondary", 2)

	got, err := Call(g, func(_ string, v int) (int, error) { return v * 10, nil })
	if err != nil || got != 10 {
		t.Errorf("Call = %d, %v; want 10 from the primary", got, err)
	}
}

func TestGroup_FailsOver(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "a", BreakerConfig{Threshold: 3})
	g.Add("secondary", "b")

	var tried []string
	got, err := Call(g, func(name string, v string) (string, error) {
		tried = append(tried, name)
		if v == "a" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil || got != "b" {
		t.Fatalf("Call = %q, %v; want b", got, err)
	}
	if len(tried) != 2 || tried[0] != "primary" || tried[1] != "secondary" {
		t.Errorf("tried = %v", tried)
	}
}

func TestGroup_AllFailed(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", 0, BreakerConfig{Threshold: 3})
	g.Add("secondary", 1)

	_, err := Call(g, func(string, int) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want the member errors joined", err)
	}
}

func TestGroup_SkipsOpenMember(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g := NewGroup("primary", "a", BreakerConfig{Threshold: 1, Cooldown: time.Minute, Now: clock.Now})
	g.Add("secondary", "b")

	calls := map[string]int{}
	fn := func(name string, v string) (string, error) {
		calls[name]++
		if v == "a" {
			return "", errTest
		}
		return v, nil
	}
	for range 3 {
		if _, err := Call(g, fn); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if calls["primary"] != 1 {
		t.Errorf("primary called %d times, want 1 before its breaker opened", calls["primary"])
	}
	if calls["secondary"] != 3 {
		t.Errorf("secondary called %d times, want 3", calls["secondary"])
	}
	if names := g.Names(); len(names) != 2 || names[0] != "primary" {
		t.Errorf("Names() = %v", names)
	}
}
