package server

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	// ErrSessionActive is returned by [Tracker.Start] when a session with
	// the same ID is already connected.
	ErrSessionActive = errors.New("server: session already active")

	// ErrShuttingDown is returned by [Tracker.Start] after [Tracker.Shutdown].
	ErrShuttingDown = errors.New("server: shutting down")
)

// SessionInfo describes one connected session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	RemoteAddr string    `json:"remote_addr"`
}

type tracked struct {
	info   SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker keeps the set of connected sessions. A session ID is connected at
// most once at a time. Hijacked websocket connections outlive
// [http.Server.Shutdown], so the tracker also cancels and awaits them on
// shutdown. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	active  map[string]*tracked
	closing bool
	now     func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*tracked), now: time.Now}
}

// Start registers sessionID and returns a context cancelled on shutdown,
// plus the release func the caller must invoke when the session ends.
func (t *Tracker) Start(ctx context.Context, sessionID, remoteAddr string) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return nil, nil, ErrShuttingDown
	}
	if _, ok := t.active[sessionID]; ok {
		return nil, nil, ErrSessionActive
	}

	sctx, cancel := context.WithCancel(ctx)
	e := &tracked{
		info: SessionInfo{
			SessionID:  sessionID,
			StartedAt:  t.now().UTC(),
			RemoteAddr: remoteAddr,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.active[sessionID] = e

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			if t.active[sessionID] == e {
				delete(t.active, sessionID)
			}
			t.mu.Unlock()
			cancel()
			close(e.done)
		})
	}
	return sctx, release, nil
}

// Active returns the connected sessions, oldest first.
func (t *Tracker) Active() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e.info)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Len returns the number of connected sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Shutdown refuses new sessions, cancels the connected ones and waits for
// them to release. It returns ctx.Err() if ctx ends first.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	pending := make([]*tracked, 0, len(t.active))
	for _, e := range t.active {
		pending = append(pending, e)
	}
	t.mu.Unlock()

	if len(pending) > 0 {
		slog.Info("server: closing active sessions", "count", len(pending))
	}
	for _, e := range pending {
		e.cancel()
	}
	for _, e := range pending {
		select {
		case <-e.done:
		case <-ctx.Done():
			slog.Warn("server: sessions still open at shutdown deadline", "remaining", t.Len())
			return ctx.Err()
		}
	}
	return nil
}
