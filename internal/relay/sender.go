package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/fault"
)

// Conn is the client side of a session. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Sender serialises all writes to the client connection.
//
// One writer goroutine owns the socket and writes without a deadline, since
// an expired write deadline closes the whole connection. The send timeout
// bounds how long a caller waits for that goroutine instead: an envelope
// that misses it is abandoned to the writer and the session continues.
// After [Sender.SendError] or [Sender.Close] all further envelopes are
// discarded.
type Sender struct {
	conn    Conn
	timeout time.Duration
	metrics *observe.Metrics

	requests chan writeRequest
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	closed  bool
	errSent bool
}

type writeRequest struct {
	typ    string
	p      []byte
	result chan error
}

// NewSender returns a Sender writing to conn and starts its writer. The
// writer exits after [Sender.Close] once any write in flight returns.
func NewSender(conn Conn, timeout time.Duration, m *observe.Metrics) *Sender {
	s := &Sender{
		conn:     conn,
		timeout:  timeout,
		metrics:  m,
		requests: make(chan writeRequest),
		stop:     make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Sender) writeLoop() {
	var failed error
	for {
		select {
		case <-s.stop:
			return
		case req := <-s.requests:
			if failed == nil {
				if err := s.conn.Write(context.Background(), websocket.MessageText, req.p); err != nil {
					failed = fault.New(fault.ClientDisconnect, "send "+req.typ, err)
				}
			}
			// Buffered; nobody may be waiting any more.
			req.result <- failed
		}
	}
}

// Send writes env as a text frame. It returns a [fault.ClientDisconnect]
// error once the connection is unusable; timeouts are absorbed.
func (s *Sender) Send(ctx context.Context, env Envelope) error {
	p, err := env.Encode()
	if err != nil {
		return fault.New(fault.Unclassified, "send encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.sendLocked(ctx, env.Type, p)
}

func (s *Sender) sendLocked(ctx context.Context, typ string, p []byte) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	req := writeRequest{typ: typ, p: p, result: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-timer.C:
		s.dropped(ctx, typ)
		return nil
	case <-ctx.Done():
		return nil
	}

	select {
	case err := <-req.result:
		return err
	case <-timer.C:
		s.dropped(ctx, typ)
		return nil
	}
}

func (s *Sender) dropped(ctx context.Context, typ string) {
	s.metrics.SendTimeouts.Add(ctx, 1)
	observe.Logger(ctx).Warn("relay: client send timed out, envelope dropped",
		"type", typ, "timeout", s.timeout,
		"kind", fault.SendTimeout.String())
}

// SendError writes the error envelope for kind and closes the sender. Only
// the first call writes; the write is detached from ctx cancellation so the
// client still learns why its session ends during teardown.
func (s *Sender) SendError(ctx context.Context, kind fault.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.errSent {
		return nil
	}
	s.errSent = true
	defer s.closeLocked()

	env := ErrorEnvelope(kind)
	p, err := env.Encode()
	if err != nil {
		return fault.New(fault.Unclassified, "send encode", err)
	}
	return s.sendLocked(context.WithoutCancel(ctx), env.Type, p)
}

// Close discards all later envelopes and stops the writer.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Sender) closeLocked() {
	s.closed = true
	s.stopOnce.Do(func() { close(s.stop) })
}
