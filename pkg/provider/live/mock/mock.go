// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to push backend events into the relay and to inspect which
// inputs the relay forwarded.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Kind: live.EventOutputText, Text: "안녕하세요"})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vistalk/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session
	// with a buffered event channel.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession(64)
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

var _ live.Provider = (*Provider)(nil)

// CallKind names a Session input method.
type CallKind string

const (
	CallAudio   CallKind = "audio"
	CallVideo   CallKind = "video"
	CallEndTurn CallKind = "end_turn"
)

// Call records a single input forwarded to the Session.
type Call struct {
	Kind CallKind
	// Data is a copy of the payload for audio and video calls.
	Data []byte
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	events     chan live.Event
	finishOnce sync.Once
	errVal     error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendVideoErr, if non-nil, is returned by every SendVideo call.
	SendVideoErr error

	// EndTurnErr, if non-nil, is returned by every EndTurn call.
	EndTurnErr error

	// OnCall, if set, is invoked synchronously for every recorded input
	// before the method returns. It must not call back into the Session.
	OnCall func(Call)

	// --- Call records ---

	// Calls records every input in order.
	Calls []Call

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose event channel has the given capacity.
func NewSession(buffer int) *Session {
	return &Session{events: make(chan live.Event, buffer)}
}

func (s *Session) record(kind CallKind, data []byte, err error) error {
	var cp []byte
	if data != nil {
		cp = make([]byte, len(data))
		copy(cp, data)
	}
	c := Call{Kind: kind, Data: cp}

	s.mu.Lock()
	s.Calls = append(s.Calls, c)
	hook := s.OnCall
	s.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return err
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	err := s.SendAudioErr
	s.mu.Unlock()
	return s.record(CallAudio, pcm, err)
}

// SendVideo records the call and returns SendVideoErr.
func (s *Session) SendVideo(_ context.Context, jpeg []byte) error {
	s.mu.Lock()
	err := s.SendVideoErr
	s.mu.Unlock()
	return s.record(CallVideo, jpeg, err)
}

// EndTurn records the call and returns EndTurnErr.
func (s *Session) EndTurn(_ context.Context) error {
	s.mu.Lock()
	err := s.EndTurnErr
	s.mu.Unlock()
	return s.record(CallEndTurn, nil, err)
}

// Events returns the event channel fed by Emit.
func (s *Session) Events() <-chan live.Event { return s.events }

// Emit pushes one event to the consumer. It blocks while the buffer is full.
func (s *Session) Emit(ev live.Event) { s.events <- ev }

// Finish records err as the terminal error and closes the event channel.
// Only the first call has an effect.
func (s *Session) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()
		close(s.events)
	})
}

// Err returns the error passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call. It does not close the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// CallsOf returns the recorded calls of one kind. Thread-safe.
func (s *Session) CallsOf(kind CallKind) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.Calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports how many times Close was called. Thread-safe.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ live.Session = (*Session)(nil)
