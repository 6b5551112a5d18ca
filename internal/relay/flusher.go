package relay

import (
	"context"
	"time"
)

// flushLoop persists utterances that went quiet and keeps idle clients alive.
func (s *session) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flushTick(ctx, s.now())
		}
	}
}

func (s *session) flushTick(ctx context.Context, now time.Time) {
	if text, ok := s.utterance.FlushIfIdle(now, s.cfg.UtteranceIdle); ok {
		s.recordUtterance(ctx, text, triggerIdle)
	}
	s.keepAlive(ctx, now)
}
