package relay

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vistalk/pkg/fault"
)

func TestSender_Send(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSender(conn, time.Second, testMetrics(t))
	if err := s.Send(context.Background(), TextEnvelope("안녕하세요")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := conn.Envelopes()
	if len(got) != 1 || got[0].Type != TypeText || got[0].Data != "안녕하세요" {
		t.Errorf("written = %+v", got)
	}
}

func TestSender_TimeoutDropsItem(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.holdWrites()
	s := NewSender(conn, 20*time.Millisecond, testMetrics(t))
	defer s.Close()
	ctx := context.Background()

	start := time.Now()
	if err := s.Send(ctx, AudioEnvelope(make([]byte, 640))); err != nil {
		t.Fatalf("timed out send should be absorbed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send took %v, want about the send timeout", elapsed)
	}
	// The writer is still busy, so this one never leaves the sender.
	if err := s.Send(ctx, TextEnvelope("버려진 텍스트")); err != nil {
		t.Fatalf("second timed out send: %v", err)
	}

	conn.releaseWrites()
	if err := s.Send(ctx, TurnCompleteEnvelope(false)); err != nil {
		t.Fatalf("Send after timeout: %v", err)
	}
	got := conn.Envelopes()
	if len(got) != 2 || got[0].Type != TypeAudio || got[1].Type != TypeTurnComplete {
		t.Errorf("written = %+v, want the in-flight audio then turn_complete", got)
	}
}

func TestSender_SingleErrorEnvelope(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSender(conn, time.Second, testMetrics(t))
	ctx := context.Background()

	if err := s.SendError(ctx, fault.BackendUnavailable); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if err := s.SendError(ctx, fault.BackendDeadlineExceeded); err != nil {
		t.Fatalf("second SendError: %v", err)
	}
	if err := s.Send(ctx, TextEnvelope("늦은 텍스트")); err != nil {
		t.Fatalf("Send after error: %v", err)
	}
	if err := s.Send(ctx, TurnCompleteEnvelope(false)); err != nil {
		t.Fatalf("Send after error: %v", err)
	}

	got := conn.Envelopes()
	if len(got) != 1 {
		t.Fatalf("written %d envelopes, want 1: %+v", len(got), got)
	}
	if got[0].Type != TypeError || got[0].Code != 1011 {
		t.Errorf("envelope = %+v, want error 1011", got[0])
	}
	if got[0].Message != fault.BackendUnavailable.Message() {
		t.Errorf("message = %q", got[0].Message)
	}
}

func TestSender_ErrorEnvelopeSurvivesCancelledContext(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSender(conn, time.Second, testMetrics(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SendError(ctx, fault.Unclassified); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if n := len(conn.EnvelopesOf(TypeError)); n != 1 {
		t.Errorf("error envelopes = %d, want 1", n)
	}
}

func TestSender_CloseDiscards(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := NewSender(conn, time.Second, testMetrics(t))
	s.Close()
	_ = s.Send(context.Background(), TextEnvelope("안녕"))
	_ = s.SendError(context.Background(), fault.BackendUnavailable)
	if got := conn.Envelopes(); len(got) != 0 {
		t.Errorf("written after Close: %+v", got)
	}
}

func TestSender_BrokenConnection(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	_ = conn.Close(websocket.StatusGoingAway, "")
	s := NewSender(conn, time.Second, testMetrics(t))

	err := s.Send(context.Background(), TextEnvelope("안녕"))
	if got := fault.KindOf(err); got != fault.ClientDisconnect {
		t.Errorf("kind = %v (err %v), want client_disconnect", got, err)
	}
}
