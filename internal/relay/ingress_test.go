package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vistalk/pkg/fault"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/live/mock"
)

func TestIngress_AudioNoiseThreshold(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	s, _, _ := newTestSession(t, backend, newFakeConn())
	ctx := context.Background()

	for _, n := range []int{0, 2, 160, 319, 320, 3200} {
		if err := s.handleInbound(ctx, websocket.MessageText, audioJSON(n)); err != nil {
			t.Fatalf("handleInbound(%d bytes): %v", n, err)
		}
	}

	calls := backend.CallsOf(mock.CallAudio)
	if len(calls) != 2 {
		t.Fatalf("forwarded %d chunks, want 2", len(calls))
	}
	for _, c := range calls {
		if len(c.Data) < 320 {
			t.Errorf("forwarded a %d byte chunk", len(c.Data))
		}
	}
}

func TestIngress_AudioForwardFailureIsFatal(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	backend.SendAudioErr = fault.New(fault.BackendUnavailable, "gemini send", errors.New("closed 1011"))
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)

	err := s.handleInbound(context.Background(), websocket.MessageText, audioJSON(640))
	if got := fault.KindOf(err); got != fault.BackendUnavailable {
		t.Fatalf("kind = %v (err %v), want backend_unavailable", got, err)
	}
	if n := len(conn.EnvelopesOf(TypeError)); n != 1 {
		t.Errorf("error envelopes = %d, want 1", n)
	}
}

func TestIngress_EndOfTurnFlushesFirst(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	s, rec, _ := newTestSession(t, backend, newFakeConn())

	var loggedAtEndTurn = -1
	backend.OnCall = func(c mock.Call) {
		if c.Kind == mock.CallEndTurn {
			loggedAtEndTurn = len(rec.Messages())
		}
	}

	now := time.Now()
	s.utterance.Append("세탁기가", now)
	s.utterance.Append("안 돌아가요", now.Add(200*time.Millisecond))

	if err := s.handleInbound(context.Background(), websocket.MessageText, controlJSON(TypeUserSpeechEnd)); err != nil {
		t.Fatalf("handleInbound: %v", err)
	}

	if loggedAtEndTurn != 1 {
		t.Errorf("messages logged when the end-of-turn marker was sent = %d, want 1", loggedAtEndTurn)
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Text != "세탁기가 안 돌아가요" || msgs[0].Sender != memory.SenderUser {
		t.Errorf("logged = %+v", msgs)
	}
	if s.utterance.Len() != 0 {
		t.Error("utterance buffer not empty after end-of-turn")
	}
	if len(backend.CallsOf(mock.CallEndTurn)) != 1 {
		t.Error("end-of-turn marker not sent")
	}
	if s.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", s.State())
	}
}

func TestIngress_EndOfTurnWithEmptyBuffer(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	s, rec, _ := newTestSession(t, backend, newFakeConn())

	if err := s.handleInbound(context.Background(), websocket.MessageText, controlJSON(TypeUserSpeechEnd)); err != nil {
		t.Fatalf("handleInbound: %v", err)
	}
	if n := len(rec.Messages()); n != 0 {
		t.Errorf("logged %d messages for an empty utterance", n)
	}
	if len(backend.CallsOf(mock.CallEndTurn)) != 1 {
		t.Error("end-of-turn marker not sent")
	}
}

func TestIngress_Terminate(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeCloseDiagnosis, TypeExitDiagnosis} {
		t.Run(typ, func(t *testing.T) {
			t.Parallel()

			backend := mock.NewSession(1)
			conn := newFakeConn()
			s, rec, sum := newTestSession(t, backend, conn)
			s.utterance.Append("감사합니다", time.Now())

			err := s.handleInbound(context.Background(), websocket.MessageText, controlJSON(typ))
			if !errors.Is(err, ErrExitRequested) {
				t.Fatalf("err = %v, want ErrExitRequested", err)
			}
			if got := fault.KindOf(err); got != fault.ClientDisconnect {
				t.Errorf("kind = %v, want client_disconnect", got)
			}
			if len(rec.Messages()) != 1 {
				t.Errorf("utterance not flushed on exit")
			}
			if len(backend.CallsOf(mock.CallEndTurn)) != 1 {
				t.Error("end-of-turn marker not sent on exit")
			}
			env := conn.Envelopes()
			if len(env) != 1 || env[0].Type != TypeTurnComplete || !env[0].Exit {
				t.Errorf("envelopes = %+v, want one turn_complete with exit", env)
			}
			select {
			case id := <-sum.triggered:
				if id != s.id {
					t.Errorf("summary triggered for %q, want %q", id, s.id)
				}
			default:
				t.Error("summary not triggered")
			}
		})
	}
}

func TestIngress_MalformedEnvelopesAreDiscarded(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)

	for _, raw := range []string{`{"type":`, `{"type":"dance"}`, `{"type":"audio","data":"%%%"}`, `{"type":"text","data":"hi"}`} {
		if err := s.handleInbound(context.Background(), websocket.MessageText, []byte(raw)); err != nil {
			t.Errorf("handleInbound(%s) = %v, want nil", raw, err)
		}
	}
	if n := len(backend.Calls); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
	if env := conn.Envelopes(); len(env) != 0 {
		t.Errorf("envelopes = %+v, want none", env)
	}
}

func TestIngress_BinaryFramesGoToSlot(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	s, _, _ := newTestSession(t, backend, newFakeConn())
	ctx := context.Background()

	_ = s.handleInbound(ctx, websocket.MessageBinary, []byte("jpeg-1"))
	_ = s.handleInbound(ctx, websocket.MessageBinary, []byte("jpeg-2"))

	f, ok := s.slot.Take()
	if !ok || string(f.Data) != "jpeg-2" {
		t.Errorf("slot = %q, %v; want jpeg-2", f.Data, ok)
	}
	if n := len(backend.CallsOf(mock.CallVideo)); n != 0 {
		t.Errorf("ingress forwarded %d frames directly", n)
	}
}

func TestIngress_ReadLoop(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)

	conn.in <- inboundMsg{typ: websocket.MessageText, data: audioJSON(640)}
	conn.sendBinary([]byte("jpeg"))
	conn.in <- inboundMsg{err: websocket.CloseError{Code: websocket.StatusNormalClosure}}

	err := s.ingress(context.Background())
	if got := fault.KindOf(err); got != fault.ClientDisconnect {
		t.Fatalf("kind = %v (err %v), want client_disconnect", got, err)
	}
	if n := len(backend.CallsOf(mock.CallAudio)); n != 1 {
		t.Errorf("audio forwarded = %d, want 1", n)
	}
	if !s.slot.Pending() {
		t.Error("video frame not stored")
	}
}

func TestIngress_ReadOutlivesCancel(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, _, _ := newTestSession(t, mock.NewSession(1), conn)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ingress(ctx) }()
	cancel()

	select {
	case err := <-done:
		t.Fatalf("ingress returned %v before the connection closed", err)
	case <-time.After(30 * time.Millisecond):
	}

	_ = conn.Close(websocket.StatusInternalError, "")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ingress after cancel and close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingress did not return after the connection closed")
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, _, _ := newTestSession(t, mock.NewSession(1), conn)
	s.cfg.ReadIdleTimeout = time.Second
	t0 := time.Now()
	s.lastRead.Store(t0.UnixNano())
	ctx := context.Background()

	s.keepAlive(ctx, t0.Add(500*time.Millisecond))
	if conn.Pings() != 0 {
		t.Fatal("pinged an active client")
	}
	s.keepAlive(ctx, t0.Add(1500*time.Millisecond))
	if conn.Pings() != 1 {
		t.Fatalf("pings = %d, want 1 after idle timeout", conn.Pings())
	}
	s.keepAlive(ctx, t0.Add(1600*time.Millisecond))
	if conn.Pings() != 1 {
		t.Errorf("pings = %d, want the idle timer to restart", conn.Pings())
	}
}
