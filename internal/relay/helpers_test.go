package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/live/mock"
)

var errConnClosed = errors.New("fake conn: closed")

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Tests push client traffic into in and read
// what the relay wrote with Envelopes.
type fakeConn struct {
	in chan inboundMsg

	mu         sync.Mutex
	written    []Envelope
	gate       chan struct{}
	pings      int
	closeCode  websocket.StatusCode
	closeCalls int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundMsg, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, m.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return errConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	var env Envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	c.closeCalls++
	if c.closeCalls == 1 {
		c.closeCode = code
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// holdWrites blocks every write until releaseWrites.
func (c *fakeConn) holdWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

func (c *fakeConn) releaseWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

func (c *fakeConn) Envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) EnvelopesOf(typ string) []Envelope {
	var out []Envelope
	for _, e := range c.Envelopes() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) CloseCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) sendText(t *testing.T, v any) {
	t.Helper()
	p, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	c.in <- inboundMsg{typ: websocket.MessageText, data: p}
}

func (c *fakeConn) sendBinary(p []byte) {
	c.in <- inboundMsg{typ: websocket.MessageBinary, data: p}
}

func audioJSON(n int) []byte {
	p, _ := json.Marshal(map[string]string{
		"type": TypeAudio,
		"data": base64.StdEncoding.EncodeToString(make([]byte, n)),
	})
	return p
}

func controlJSON(typ string) []byte {
	p, _ := json.Marshal(map[string]string{"type": typ})
	return p
}

// recorderSpy is a Recorder that keeps every message.
type recorderSpy struct {
	mu   sync.Mutex
	msgs []memory.Message
	ids  []string
}

func (r *recorderSpy) Record(_ context.Context, sessionID string, msg memory.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.ids = append(r.ids, sessionID)
}

func (r *recorderSpy) Messages() []memory.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]memory.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

type summarizerSpy struct {
	triggered chan string
}

func newSummarizerSpy() *summarizerSpy {
	return &summarizerSpy{triggered: make(chan string, 8)}
}

func (s *summarizerSpy) Trigger(sessionID string) { s.triggered <- sessionID }

type staticInstructions string

func (s staticInstructions) Instructions() string { return string(s) }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestSession builds a session around a mock backend without starting
// its workers, so handlers can be driven one step at a time.
func newTestSession(t *testing.T, backend *mock.Session, conn *fakeConn) (*session, *recorderSpy, *summarizerSpy) {
	t.Helper()
	cfg := DefaultConfig()
	filter, err := NewScriptFilter(cfg.Script)
	if err != nil {
		t.Fatalf("NewScriptFilter: %v", err)
	}
	m := testMetrics(t)
	rec := &recorderSpy{}
	sum := newSummarizerSpy()
	s := &session{
		id:         "session-test",
		cfg:        cfg,
		conn:       conn,
		backend:    backend,
		sender:     NewSender(conn, cfg.SendTimeout, m),
		slot:       &FrameSlot{},
		utterance:  &UtteranceBuffer{},
		transcript: &TranscriptBuffer{},
		filter:     filter,
		recorder:   rec,
		summarizer: sum,
		metrics:    m,
		now:        time.Now,
	}
	s.pacer = newPacer(s.slot, backend, cfg.FrameInterval, m)
	s.lastRead.Store(time.Now().UnixNano())
	return s, rec, sum
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
