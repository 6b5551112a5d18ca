package relay

import (
	"context"
	"errors"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/fault"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/live"
)

var errStreamEnded = errors.New("backend stream ended")

// egress consumes the backend event stream until it ends or ctx is done.
func (s *session) egress(ctx context.Context) error {
	events := s.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return s.fatal(ctx, "egress", s.streamErr())
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// streamErr returns why the backend stream closed. A stream that ends
// without a reason while the session is alive counts as unavailable.
func (s *session) streamErr() error {
	if err := s.backend.Err(); err != nil {
		return err
	}
	return fault.New(fault.BackendUnavailable, "egress", errStreamEnded)
}

func (s *session) handleEvent(ctx context.Context, ev live.Event) error {
	log := observe.Logger(ctx)

	switch ev.Kind {
	case live.EventAudio:
		if len(ev.Data) == 0 {
			return nil
		}
		s.setState(StateStreaming)
		s.metrics.RecordAudio(ctx, observe.DirectionOutbound, "forwarded")
		return s.sender.Send(ctx, AudioEnvelope(ev.Data))

	case live.EventOutputText:
		admitted := s.filter.Admit(ev.Text)
		s.metrics.RecordTextFragment(ctx, admitted)
		if !admitted {
			log.Debug("relay: output text rejected by script filter",
				"script", s.filter.Script(), "text", ev.Text)
			return nil
		}
		s.transcript.Append(ev.Text)
		return s.sender.Send(ctx, TextEnvelope(ev.Text))

	case live.EventInputTranscript:
		if !ev.Final {
			log.Debug("relay: partial input transcript", "text", ev.Text)
			return nil
		}
		s.utterance.Append(ev.Text, s.now())
		return nil

	case live.EventTurnComplete:
		return s.completeTurn(ctx)
	}
	log.Debug("relay: unhandled backend event", "kind", ev.Kind.String())
	return nil
}

// completeTurn persists the turn's transcript as one model message and tells
// the client the turn is over. The next turn starts with an empty transcript.
func (s *session) completeTurn(ctx context.Context) error {
	if text, ok := s.transcript.Flush(); ok {
		s.record(ctx, memory.SenderModel, text)
	}
	s.metrics.Turns.Add(ctx, 1)
	s.setState(StateTurnComplete)
	return s.sender.Send(ctx, TurnCompleteEnvelope(false))
}
