// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages according to that protocol. Microphone audio and
// camera frames go out as base64 realtimeInput blobs; synthesised audio,
// transcriptions and turn lifecycle events come back and are surfaced as
// [live.Event] values.
//
// Terminal failures are classified into fault kinds from the websocket close
// status and the protocol messages seen before the close (goAway, error
// status). Error text is never inspected.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/vistalk/pkg/fault"
	"github.com/MrWong99/vistalk/pkg/provider/live"
	"github.com/coder/websocket"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	audioInputMIME = "audio/pcm;rate=16000"
	videoInputMIME = "image/jpeg"

	// endOfTurnMarker is the text sent with turnComplete to start generation.
	endOfTurnMarker = "."
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithEventBuffer sets the capacity of each session's event channel.
func WithEventBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	eventBuffer int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		eventBuffer: 64,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. ctx bounds the handshake only; the
// returned session lives until Close or a terminal backend failure.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fault.New(fault.BackendUnavailable, "gemini: dial", err)
	}
	// Model audio chunks can exceed the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, p.eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, buildSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, sess.classify("gemini: setup", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
				MaxOutputTokens:    cfg.MaxOutputTokens,
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	ad := cfg.ActivityDetection
	if ad != (live.ActivityDetection{}) || cfg.ActivityHandling != "" {
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: &automaticActivityDetection{
				Disabled:          ad.Disabled,
				PrefixPaddingMs:   ad.PrefixPaddingMs,
				SilenceDurationMs: ad.SilenceDurationMs,
			},
			ActivityHandling: string(cfg.ActivityHandling),
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string                      `json:"activityHandling,omitempty"`
}

type automaticActivityDetection struct {
	Disabled          bool `json:"disabled,omitempty"`
	PrefixPaddingMs   int  `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs int  `json:"silenceDurationMs,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
	Video *blob `json:"video,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished *bool  `json:"finished,omitempty"`
}

// final reports whether the fragment is stable. Gemini omits the flag on
// plain deltas, which never get revised; only an explicit false marks an
// interim hypothesis.
func (t *transcription) final() bool {
	return t.Finished == nil || *t.Finished
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	mu        sync.Mutex
	errVal    error
	done      chan struct{}
	closed    bool
	goingAway bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. Writes are
// bounded by both ctx and the session lifetime.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

var errSessionClosed = errors.New("gemini: session closed")

func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return s.classify("gemini: setup", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return errorFromStatus("gemini: setup", msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(s.classify("gemini: receive", err))
			s.cancel()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message. It returns false when the
// session must stop reading.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.GoAway != nil {
		s.mu.Lock()
		s.goingAway = true
		s.mu.Unlock()
		slog.Warn("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.Error != nil {
		s.setErr(errorFromStatus("gemini: receive", msg.Error))
		s.cancel()
		return false
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if in := sc.InputTranscription; in != nil && in.Text != "" {
		if !s.emit(live.Event{Kind: live.EventInputTranscript, Text: in.Text, Final: in.final()}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audio) == 0 {
					continue
				}
				if !s.emit(live.Event{Kind: live.EventAudio, Data: audio}) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emit(live.Event{Kind: live.EventOutputText, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(live.Event{Kind: live.EventOutputText, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		return s.emit(live.Event{Kind: live.EventTurnComplete})
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// classify maps a transport error to a fault kind using the websocket close
// status and the goAway flag.
func (s *session) classify(op string, err error) error {
	s.mu.Lock()
	goingAway := s.goingAway
	s.mu.Unlock()

	if goingAway {
		return fault.New(fault.BackendDeadlineExceeded, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.BackendDeadlineExceeded, op, err)
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusInternalError, websocket.StatusTryAgainLater,
		websocket.StatusServiceRestart, websocket.StatusBadGateway:
		return fault.New(fault.BackendUnavailable, op, err)
	case websocket.StatusPolicyViolation, websocket.StatusInvalidFramePayloadData,
		websocket.StatusUnsupportedData, websocket.StatusProtocolError:
		return fault.New(fault.Unclassified, op, err)
	}
	// Any other drop of the backend connection, including a normal close the
	// relay did not ask for, leaves the session without a backend.
	return fault.New(fault.BackendUnavailable, op, err)
}

// errorFromStatus maps a protocol-level error message to a fault kind by its
// canonical status code.
func errorFromStatus(op string, ge *geminiError) error {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	cause := fmt.Errorf("gemini: %s (code %d)", msg, ge.Code)
	switch ge.Status {
	case "UNAVAILABLE", "RESOURCE_EXHAUSTED", "INTERNAL":
		return fault.New(fault.BackendUnavailable, op, cause)
	case "DEADLINE_EXCEEDED":
		return fault.New(fault.BackendDeadlineExceeded, op, cause)
	default:
		return fault.New(fault.Unclassified, op, cause)
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	return s.sendRealtime(ctx, "gemini: send audio", realtimeInput{
		Audio: &blob{MIMEType: audioInputMIME, Data: base64.StdEncoding.EncodeToString(pcm)},
	})
}

// SendVideo delivers one JPEG frame to the model.
func (s *session) SendVideo(ctx context.Context, jpeg []byte) error {
	return s.sendRealtime(ctx, "gemini: send video", realtimeInput{
		Video: &blob{MIMEType: videoInputMIME, Data: base64.StdEncoding.EncodeToString(jpeg)},
	})
}

func (s *session) sendRealtime(ctx context.Context, op string, in realtimeInput) error {
	if s.isClosed() {
		return errSessionClosed
	}
	if err := s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: in}); err != nil {
		return s.sendErr(op, err)
	}
	return nil
}

// EndTurn sends a one-character user turn with turnComplete set, which makes
// the model start answering what it has heard so far.
func (s *session) EndTurn(ctx context.Context) error {
	if s.isClosed() {
		return errSessionClosed
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []part{{Text: endOfTurnMarker}},
			}},
			TurnComplete: true,
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return s.sendErr("gemini: end turn", err)
	}
	return nil
}

// sendErr prefers the terminal error recorded by the receive loop, which
// knows why the connection went away.
func (s *session) sendErr(op string, err error) error {
	if errors.Is(err, errSessionClosed) {
		return err
	}
	if terminal := s.Err(); terminal != nil {
		return terminal
	}
	return s.classify(op, err)
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan live.Event { return s.events }

// Err returns the first error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
