// Package relay bridges one client websocket to one live backend session.
//
// A session runs four workers under a shared cancellation signal:
//
//   - ingress reads client envelopes, stores video frames in the [FrameSlot],
//     forwards audio and drives end-of-turn and terminate signals;
//   - the pacer drains the frame slot to the backend at a bounded rate;
//   - egress consumes backend events, forwards audio and admitted text to the
//     client and completes turns;
//   - the flusher persists idle user utterances.
//
// The first worker that fails terminally cancels the others. Recoverable
// faults (malformed envelopes, client send timeouts, dropped video frames)
// are absorbed where they occur. A session never reconnects to the backend;
// the client opens a new connection instead.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/fault"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/live"
)

// ErrExitRequested ends a session after a close_diagnosis or exit_diagnosis
// envelope. It is classified as a graceful client disconnect.
var ErrExitRequested = errors.New("relay: client requested exit")

// Recorder persists conversation messages. Implementations absorb their own
// failures; the relay never ends a session because history is unavailable.
type Recorder interface {
	Record(ctx context.Context, sessionID string, msg memory.Message)
}

// Summarizer schedules the summary of a finished session. Trigger must not
// block.
type Summarizer interface {
	Trigger(sessionID string)
}

// InstructionSource supplies the system instruction for new sessions.
type InstructionSource interface {
	Instructions() string
}

// Config holds the relay timings and thresholds.
type Config struct {
	// Voice is the backend voice profile.
	Voice string
	// MaxOutputTokens caps a single model response.
	MaxOutputTokens int
	// PrefixPadding and SilenceDuration tune backend voice activity detection.
	PrefixPadding   time.Duration
	SilenceDuration time.Duration

	// FrameInterval is the minimum spacing of forwarded video frames.
	FrameInterval time.Duration
	// PacerTick is how often the frame slot is checked.
	PacerTick time.Duration
	// FlushTick is how often the utterance buffer is checked.
	FlushTick time.Duration
	// UtteranceIdle is the quiet period after which an utterance is flushed.
	UtteranceIdle time.Duration
	// MinAudioBytes is the smallest audio chunk forwarded; shorter chunks are
	// noise.
	MinAudioBytes int
	// SendTimeout bounds every client write.
	SendTimeout time.Duration
	// ReadIdleTimeout is the client silence after which the connection is
	// pinged. Idle clients are kept, not dropped.
	ReadIdleTimeout time.Duration
	// TeardownFlush bounds the final best-effort flush of unsaved buffers.
	TeardownFlush time.Duration
	// Script is the Unicode script output text must contain.
	Script string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Voice:           "Kore",
		MaxOutputTokens: 2048,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 1000 * time.Millisecond,
		FrameInterval:   300 * time.Millisecond,
		PacerTick:       10 * time.Millisecond,
		FlushTick:       200 * time.Millisecond,
		UtteranceIdle:   time.Second,
		MinAudioBytes:   320,
		SendTimeout:     5 * time.Second,
		ReadIdleTimeout: 300 * time.Second,
		TeardownFlush:   2 * time.Second,
		Script:          DefaultScript,
	}
}

// withDefaults fills zero fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.PrefixPadding == 0 {
		c.PrefixPadding = d.PrefixPadding
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.PacerTick == 0 {
		c.PacerTick = d.PacerTick
	}
	if c.FlushTick == 0 {
		c.FlushTick = d.FlushTick
	}
	if c.UtteranceIdle == 0 {
		c.UtteranceIdle = d.UtteranceIdle
	}
	if c.MinAudioBytes == 0 {
		c.MinAudioBytes = d.MinAudioBytes
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ReadIdleTimeout == 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.TeardownFlush == 0 {
		c.TeardownFlush = d.TeardownFlush
	}
	if c.Script == "" {
		c.Script = d.Script
	}
	return c
}

// TurnState tracks where a session is in the turn protocol. Closed is
// terminal.
type TurnState int32

const (
	StateIdle TurnState = iota
	StateStreaming
	StateTurnComplete
	StateClosed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateTurnComplete:
		return "turn_complete"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("TurnState(%d)", int32(s))
	}
}

// Utterance flush triggers, used as metric attributes.
const (
	triggerIdle      = "idle"
	triggerEndOfTurn = "end_of_turn"
	triggerTeardown  = "teardown"
)

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, memory.Message) {}

type nopSummarizer struct{}

func (nopSummarizer) Trigger(string) {}

// Option configures a [Relay].
type Option func(*Relay)

// WithConfig replaces the default timings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(r *Relay) { r.cfg = cfg }
}

// WithRecorder sets where conversation messages are persisted.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithSummarizer sets the summarizer triggered when a client exits.
func WithSummarizer(s Summarizer) Option {
	return func(r *Relay) { r.summarizer = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithClock overrides the time source used for message timestamps and idle
// detection.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay accepts client connections and runs one session per connection.
// It is safe for concurrent use.
type Relay struct {
	provider     live.Provider
	instructions InstructionSource
	recorder     Recorder
	summarizer   Summarizer
	metrics      *observe.Metrics
	cfg          Config
	filter       *ScriptFilter
	now          func() time.Time
}

// New returns a Relay that opens backend sessions through provider with the
// system instruction from instructions.
func New(provider live.Provider, instructions InstructionSource, opts ...Option) (*Relay, error) {
	if provider == nil {
		return nil, errors.New("relay: provider must not be nil")
	}
	if instructions == nil {
		return nil, errors.New("relay: instruction source must not be nil")
	}
	r := &Relay{
		provider:     provider,
		instructions: instructions,
		recorder:     nopRecorder{},
		summarizer:   nopSummarizer{},
		cfg:          DefaultConfig(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg = r.cfg.withDefaults()
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	filter, err := NewScriptFilter(r.cfg.Script)
	if err != nil {
		return nil, err
	}
	r.filter = filter
	return r, nil
}

// Config returns the effective configuration.
func (r *Relay) Config() Config { return r.cfg }

// SessionConfig returns the backend configuration used for new sessions.
func (r *Relay) SessionConfig() live.SessionConfig {
	return live.SessionConfig{
		Instructions:        r.instructions.Instructions(),
		Voice:               r.cfg.Voice,
		ResponseModalities:  []string{"AUDIO"},
		InputTranscription:  true,
		OutputTranscription: true,
		MaxOutputTokens:     r.cfg.MaxOutputTokens,
		ActivityDetection: live.ActivityDetection{
			PrefixPaddingMs:   int(r.cfg.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(r.cfg.SilenceDuration / time.Millisecond),
		},
		ActivityHandling: live.ActivityNoInterruption,
	}
}

// Serve runs one session on conn until it ends and closes conn. An empty
// sessionID allocates a random one. A graceful client disconnect returns nil;
// any other end returns the classified [*fault.Error].
func (r *Relay) Serve(ctx context.Context, conn Conn, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = observe.WithSession(ctx, sessionID)
	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := time.Now()
	log := observe.Logger(ctx)
	sender := NewSender(conn, r.cfg.SendTimeout, r.metrics)

	backend, err := r.connect(ctx)
	if err != nil {
		fe := asFault("connect", err)
		log.Error("relay: backend connect failed", "err", err, "kind", fe.Kind.String())
		if fe.Kind.NotifiesClient() {
			_ = sender.SendError(ctx, fe.Kind)
		}
		sender.Close()
		_ = conn.Close(closeStatus(fe.Kind), fe.Kind.String())
		r.metrics.RecordSessionEnd(ctx, fe.Kind.String(), time.Since(start).Seconds())
		span.RecordError(fe)
		return fe
	}

	r.metrics.ActiveSessions.Add(ctx, 1)
	defer r.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("relay: session started")

	s := &session{
		id:         sessionID,
		cfg:        r.cfg,
		conn:       conn,
		backend:    backend,
		sender:     sender,
		slot:       &FrameSlot{},
		utterance:  &UtteranceBuffer{},
		transcript: &TranscriptBuffer{},
		filter:     r.filter,
		recorder:   r.recorder,
		summarizer: r.summarizer,
		metrics:    r.metrics,
		now:        r.now,
	}
	s.pacer = newPacer(s.slot, backend, r.cfg.FrameInterval, r.metrics)
	s.lastRead.Store(r.now().UnixNano())

	err = s.run(ctx)

	kind := fault.ClientDisconnect
	if err != nil {
		kind = fault.KindOf(err)
		span.RecordError(err)
	}
	r.metrics.RecordSessionEnd(ctx, kind.String(), time.Since(start).Seconds())
	return err
}

func (r *Relay) connect(ctx context.Context) (live.Session, error) {
	start := time.Now()
	backend, err := r.provider.Connect(ctx, r.SessionConfig())
	r.metrics.BackendConnectDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordProviderRequest(ctx, "live", "connect", status)
	return backend, err
}

// session is the per-connection state shared by the workers.
type session struct {
	id         string
	cfg        Config
	conn       Conn
	backend    live.Session
	sender     *Sender
	slot       *FrameSlot
	utterance  *UtteranceBuffer
	transcript *TranscriptBuffer
	filter     *ScriptFilter
	pacer      *pacer
	recorder   Recorder
	summarizer Summarizer
	metrics    *observe.Metrics
	now        func() time.Time

	state    atomic.Int32
	lastRead atomic.Int64

	// end is set by closeClient before the workers are joined.
	end *fault.Error
}

// run supervises the workers. The first failure, or the end of ctx, hands
// the connection to closeClient; the buffers and the backend are released
// once every worker has returned.
func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingress(gctx) })
	g.Go(func() error { return s.pacer.run(gctx, s.cfg.PacerTick) })
	g.Go(func() error { return s.egress(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.closeClient(ctx, context.Cause(gctx))
		return nil
	})
	_ = g.Wait()
	return s.teardown(ctx)
}

// closeClient notifies the client and closes the connection with the status
// of the ending fault. The close handshake also unblocks the ingress read,
// which never observes group cancellation itself.
func (s *session) closeClient(ctx context.Context, cause error) {
	s.setState(StateClosed)
	fe := asFault("session", cause)
	s.end = fe

	if fe.Kind.NotifiesClient() {
		if serr := s.sender.SendError(ctx, fe.Kind); serr != nil {
			observe.Logger(ctx).Debug("relay: error envelope not delivered", "err", serr)
		}
	}
	s.sender.Close()

	status := closeStatus(fe.Kind)
	if ctx.Err() != nil {
		// The server is going away, not the session failing.
		status = websocket.StatusGoingAway
	}
	_ = s.conn.Close(status, fe.Kind.String())
}

func (s *session) teardown(ctx context.Context) error {
	log := observe.Logger(ctx)
	fe := s.end

	s.flushRemaining(ctx)
	if cerr := s.backend.Close(); cerr != nil {
		log.Debug("relay: backend close", "err", cerr)
	}

	if fe.Kind == fault.ClientDisconnect {
		log.Info("relay: session ended", "reason", fe.Err)
		return nil
	}
	log.Error("relay: session failed", "err", fe, "kind", fe.Kind.String())
	return fe
}

// flushRemaining persists unsaved buffers with a detached, bounded context.
func (s *session) flushRemaining(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TeardownFlush)
	defer cancel()
	if text, ok := s.utterance.Flush(); ok {
		s.recordUtterance(fctx, text, triggerTeardown)
	}
	if text, ok := s.transcript.Flush(); ok {
		s.record(fctx, memory.SenderModel, text)
	}
}

// fatal classifies a worker failure. Recoverable kinds are logged and the
// worker carries on; terminal kinds notify the client and end the session.
func (s *session) fatal(ctx context.Context, op string, err error) error {
	fe := asFault(op, err)
	if !fe.Kind.Terminal() {
		observe.Logger(ctx).Warn("relay: recoverable failure", "op", op, "err", err, "kind", fe.Kind.String())
		return nil
	}
	if fe.Kind.NotifiesClient() {
		if serr := s.sender.SendError(ctx, fe.Kind); serr != nil {
			observe.Logger(ctx).Debug("relay: error envelope not delivered", "err", serr)
		}
	}
	return fe
}

func (s *session) record(ctx context.Context, sender memory.Sender, text string) {
	s.recorder.Record(ctx, s.id, memory.Message{
		Sender:    sender,
		Text:      text,
		Type:      memory.TypeLive,
		CreatedAt: s.now(),
	})
}

func (s *session) recordUtterance(ctx context.Context, text, trigger string) {
	s.record(ctx, memory.SenderUser, text)
	s.metrics.RecordUtterance(ctx, trigger)
	observe.Logger(ctx).Debug("relay: utterance flushed", "trigger", trigger, "chars", len(text))
}

// flushUtterance persists the buffered utterance, if any.
func (s *session) flushUtterance(ctx context.Context, trigger string) bool {
	text, ok := s.utterance.Flush()
	if ok {
		s.recordUtterance(ctx, text, trigger)
	}
	return ok
}

func (s *session) State() TurnState {
	return TurnState(s.state.Load())
}

// setState moves to next unless the session is already closed.
func (s *session) setState(next TurnState) {
	for {
		cur := s.state.Load()
		if TurnState(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func asFault(op string, err error) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	return fault.New(fault.KindOf(err), op, err)
}

func closeStatus(kind fault.Kind) websocket.StatusCode {
	if kind == fault.ClientDisconnect {
		return websocket.StatusNormalClosure
	}
	return websocket.StatusCode(kind.Code())
}
