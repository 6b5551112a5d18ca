package relay

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/provider/live"
)

// pacer forwards the newest video frame at most once per interval. Frames
// replaced in the slot before their turn are never sent.
type pacer struct {
	slot    *FrameSlot
	backend live.Session
	limiter *rate.Limiter
	metrics *observe.Metrics
}

func newPacer(slot *FrameSlot, backend live.Session, interval time.Duration, m *observe.Metrics) *pacer {
	return &pacer{
		slot:    slot,
		backend: backend,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		metrics: m,
	}
}

func (p *pacer) run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

// tick sends the pending frame if the interval since the previous send has
// passed. It reports whether a frame was forwarded. Send failures drop the
// frame and are not fatal.
func (p *pacer) tick(ctx context.Context, now time.Time) bool {
	if !p.slot.Pending() || !p.limiter.AllowN(now, 1) {
		return false
	}
	f, ok := p.slot.Take()
	if !ok {
		return false
	}
	if err := p.backend.SendVideo(ctx, f.Data); err != nil {
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("relay: video frame dropped", "err", err, "bytes", len(f.Data))
			p.metrics.RecordVideoFrame(ctx, "failed")
		}
		return false
	}
	p.metrics.RecordVideoFrame(ctx, "forwarded")
	return true
}
