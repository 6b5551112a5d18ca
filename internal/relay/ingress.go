package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/fault"
)

// ingress consumes client traffic in arrival order until the client goes away,
// asks to exit, or audio can no longer be forwarded.
//
// Reads ignore ctx cancellation: a cancelled read drops the socket without a
// close frame. closeClient ends the read by closing the connection instead.
func (s *session) ingress(ctx context.Context) error {
	readCtx := context.WithoutCancel(ctx)
	for {
		typ, data, err := s.conn.Read(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observe.Logger(ctx).Info("relay: client disconnected",
				"status", websocket.CloseStatus(err), "err", err)
			return fault.New(fault.ClientDisconnect, "ingress read", err)
		}
		s.lastRead.Store(s.now().UnixNano())

		if err := s.handleInbound(ctx, typ, data); err != nil {
			return err
		}
	}
}

func (s *session) handleInbound(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if typ == websocket.MessageBinary {
		s.acceptFrame(ctx, data)
		return nil
	}

	sig, err := DecodeText(data)
	if err != nil {
		observe.Logger(ctx).Warn("relay: malformed client envelope discarded",
			"err", err, "bytes", len(data))
		return nil
	}

	switch sig.Kind {
	case SignalAudio:
		return s.forwardAudio(ctx, sig.Audio)
	case SignalText:
		observe.Logger(ctx).Debug("relay: text envelope ignored")
		return nil
	case SignalEndOfTurn:
		return s.endTurn(ctx)
	case SignalTerminate:
		return s.terminate(ctx, sig.Type)
	}
	return nil
}

func (s *session) acceptFrame(ctx context.Context, data []byte) {
	outcome := "stored"
	if s.slot.Put(Frame{Data: data}) {
		outcome = "overwritten"
	}
	s.metrics.RecordVideoFrame(ctx, outcome)
}

func (s *session) forwardAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) < s.cfg.MinAudioBytes {
		s.metrics.RecordAudio(ctx, observe.DirectionInbound, "noise")
		return nil
	}
	if err := s.backend.SendAudio(ctx, pcm); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.fatal(ctx, "ingress send audio", err)
	}
	s.metrics.RecordAudio(ctx, observe.DirectionInbound, "forwarded")
	return nil
}

// endTurn persists the pending utterance before the backend is told to
// answer, so the log order matches the conversation.
func (s *session) endTurn(ctx context.Context) error {
	s.flushUtterance(ctx, triggerEndOfTurn)
	if err := s.backend.EndTurn(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.fatal(ctx, "ingress end turn", err)
	}
	s.setState(StateStreaming)
	return nil
}

func (s *session) terminate(ctx context.Context, typ string) error {
	log := observe.Logger(ctx)
	log.Info("relay: client requested exit", "type", typ)

	s.flushUtterance(ctx, triggerEndOfTurn)
	if err := s.backend.EndTurn(ctx); err != nil {
		log.Warn("relay: end turn before exit failed", "err", err)
	}
	if err := s.sender.Send(ctx, TurnCompleteEnvelope(true)); err != nil {
		log.Debug("relay: exit envelope not delivered", "err", err)
	}
	s.summarizer.Trigger(s.id)
	return fault.New(fault.ClientDisconnect, "ingress "+typ, ErrExitRequested)
}

// keepAlive pings a client that has been silent for longer than the read idle
// timeout. An idle client is kept; a failed ping is only logged.
func (s *session) keepAlive(ctx context.Context, now time.Time) {
	last := time.Unix(0, s.lastRead.Load())
	if now.Sub(last) < s.cfg.ReadIdleTimeout {
		return
	}
	s.lastRead.Store(now.UnixNano())

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := s.conn.Ping(pctx); err != nil && ctx.Err() == nil {
		observe.Logger(ctx).Warn("relay: keep-alive ping failed", "err", err, "idle", now.Sub(last))
		return
	}
	observe.Logger(ctx).Debug("relay: idle client pinged", "idle", now.Sub(last))
}
