package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTracker_StartRelease(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	tr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctxB, releaseB, err := tr.Start(context.Background(), "b", "1.1.1.1:1")
	if err != nil {
		t.Fatalf("Start(b): %v", err)
	}
	_, releaseA, err := tr.Start(context.Background(), "a", "2.2.2.2:2")
	if err != nil {
		t.Fatalf("Start(a): %v", err)
	}

	if _, _, err := tr.Start(context.Background(), "b", "3.3.3.3:3"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("duplicate Start = %v, want ErrSessionActive", err)
	}

	active := tr.Active()
	if len(active) != 2 || active[0].SessionID != "b" || active[1].SessionID != "a" {
		t.Fatalf("Active = %+v, want b then a", active)
	}
	if active[0].RemoteAddr != "1.1.1.1:1" {
		t.Errorf("remote addr = %q", active[0].RemoteAddr)
	}

	releaseB()
	releaseB()
	if ctxB.Err() == nil {
		t.Error("released session context still live")
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}

	// The id is free again once released.
	_, releaseB2, err := tr.Start(context.Background(), "b", "4.4.4.4:4")
	if err != nil {
		t.Fatalf("restart b: %v", err)
	}
	releaseB2()
	releaseA()
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}

func TestTracker_Shutdown(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	ctx, release, err := tr.Start(context.Background(), "s", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		<-ctx.Done()
		release()
	}()

	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, _, err := tr.Start(context.Background(), "t", ""); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestTracker_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	_, release, err := tr.Start(context.Background(), "stuck", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}
}
