package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/vistalk/pkg/fault"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/live"
	"github.com/MrWong99/vistalk/pkg/provider/live/mock"
)

func TestEgress_AudioForwardedImmediately(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, _, _ := newTestSession(t, mock.NewSession(1), conn)

	pcm := []byte{1, 2, 3, 4}
	if err := s.handleEvent(context.Background(), live.Event{Kind: live.EventAudio, Data: pcm}); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}
	env := conn.Envelopes()
	if len(env) != 1 || env[0].Type != TypeAudio || env[0].Data != "AQIDBA==" {
		t.Errorf("envelopes = %+v", env)
	}
}

func TestEgress_ScriptFilter(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, _, _ := newTestSession(t, mock.NewSession(1), conn)
	ctx := context.Background()

	for _, text := range []string{"Sure, let me check.", "123", "?!"} {
		if err := s.handleEvent(ctx, live.Event{Kind: live.EventOutputText, Text: text}); err != nil {
			t.Fatalf("handleEvent: %v", err)
		}
	}
	if env := conn.Envelopes(); len(env) != 0 {
		t.Fatalf("rejected fragments forwarded: %+v", env)
	}
	if _, ok := s.transcript.Flush(); ok {
		t.Fatal("rejected fragments accumulated")
	}

	if err := s.handleEvent(ctx, live.Event{Kind: live.EventOutputText, Text: "네, 확인해 볼게요."}); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}
	env := conn.Envelopes()
	if len(env) != 1 || env[0].Type != TypeText || env[0].Data != "네, 확인해 볼게요." {
		t.Errorf("envelopes = %+v", env)
	}
	if text, ok := s.transcript.Flush(); !ok || text != "네, 확인해 볼게요." {
		t.Errorf("transcript = %q, %v", text, ok)
	}
}

func TestEgress_InputTranscripts(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, _, _ := newTestSession(t, mock.NewSession(1), conn)
	ctx := context.Background()

	_ = s.handleEvent(ctx, live.Event{Kind: live.EventInputTranscript, Text: "냉장", Final: false})
	if s.utterance.Len() != 0 {
		t.Fatal("partial transcript appended")
	}
	_ = s.handleEvent(ctx, live.Event{Kind: live.EventInputTranscript, Text: "fridge", Final: true})
	_ = s.handleEvent(ctx, live.Event{Kind: live.EventInputTranscript, Text: "냉장고가", Final: true})
	if s.utterance.Len() != 2 {
		t.Errorf("utterance fragments = %d, want 2 (no script filter on user speech)", s.utterance.Len())
	}
	if env := conn.Envelopes(); len(env) != 0 {
		t.Errorf("input transcripts reached the client: %+v", env)
	}
}

func TestEgress_TurnsAreIndependent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s, rec, _ := newTestSession(t, mock.NewSession(1), conn)
	ctx := context.Background()

	events := []live.Event{
		{Kind: live.EventOutputText, Text: "첫 번째 "},
		{Kind: live.EventOutputText, Text: "답변입니다."},
		{Kind: live.EventTurnComplete},
		{Kind: live.EventOutputText, Text: "두 번째 답변입니다."},
		{Kind: live.EventTurnComplete},
		{Kind: live.EventTurnComplete},
	}
	for _, ev := range events {
		if err := s.handleEvent(ctx, ev); err != nil {
			t.Fatalf("handleEvent(%v): %v", ev.Kind, err)
		}
	}

	msgs := rec.Messages()
	if len(msgs) != 2 {
		t.Fatalf("logged %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "첫 번째 답변입니다." || msgs[1].Text != "두 번째 답변입니다." {
		t.Errorf("logged texts = %q, %q", msgs[0].Text, msgs[1].Text)
	}
	for _, m := range msgs {
		if m.Sender != memory.SenderModel || m.Type != memory.TypeLive {
			t.Errorf("message = %+v, want model live message", m)
		}
	}
	if n := len(conn.EnvelopesOf(TypeTurnComplete)); n != 3 {
		t.Errorf("turn_complete envelopes = %d, want 3", n)
	}
	for _, e := range conn.EnvelopesOf(TypeTurnComplete) {
		if e.Exit {
			t.Error("model turn marked as exit")
		}
	}
	if s.State() != StateTurnComplete {
		t.Errorf("state = %v, want turn_complete", s.State())
	}
}

func TestEgress_BackendUnavailableSendsOneErrorEnvelope(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(4)
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)

	backend.Emit(live.Event{Kind: live.EventAudio, Data: []byte{1, 2}})
	backend.Finish(fault.New(fault.BackendUnavailable, "gemini receive", errors.New("status 1011")))

	err := s.egress(context.Background())
	if got := fault.KindOf(err); got != fault.BackendUnavailable {
		t.Fatalf("kind = %v (err %v), want backend_unavailable", got, err)
	}

	_ = s.sender.Send(context.Background(), TextEnvelope("늦은 응답"))
	_ = s.sender.Send(context.Background(), TurnCompleteEnvelope(false))

	env := conn.Envelopes()
	if len(env) != 2 {
		t.Fatalf("envelopes = %+v, want audio then error", env)
	}
	if env[0].Type != TypeAudio || env[1].Type != TypeError {
		t.Errorf("envelope order = %s, %s", env[0].Type, env[1].Type)
	}
	if env[1].Code != 1011 {
		t.Errorf("error code = %d, want 1011", env[1].Code)
	}
}

func TestEgress_StreamEndWithoutReason(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)
	backend.Finish(nil)

	err := s.egress(context.Background())
	if got := fault.KindOf(err); got != fault.BackendUnavailable {
		t.Fatalf("kind = %v, want backend_unavailable", got)
	}
	if n := len(conn.EnvelopesOf(TypeError)); n != 1 {
		t.Errorf("error envelopes = %d, want 1", n)
	}
}

func TestEgress_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	conn := newFakeConn()
	s, _, _ := newTestSession(t, backend, conn)
	backend.Finish(fault.New(fault.BackendDeadlineExceeded, "gemini receive", errors.New("goAway")))

	err := s.egress(context.Background())
	if got := fault.KindOf(err); got != fault.BackendDeadlineExceeded {
		t.Fatalf("kind = %v, want backend_deadline_exceeded", got)
	}
	env := conn.EnvelopesOf(TypeError)
	if len(env) != 1 || env[0].Message != fault.BackendDeadlineExceeded.Message() {
		t.Errorf("error envelopes = %+v", env)
	}
}

func TestEgress_StopsOnCancel(t *testing.T) {
	t.Parallel()

	backend := mock.NewSession(1)
	s, _, _ := newTestSession(t, backend, newFakeConn())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.egress(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("egress = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("egress did not stop")
	}
}
