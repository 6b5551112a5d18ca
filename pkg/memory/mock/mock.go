// Package mock provides an in-memory test double for [memory.MessageLog].
//
// MessageLog records every method call for assertion in tests and keeps the
// appended messages so that reads behave like a real log. Exported *Err fields
// inject failures. It is safe for concurrent use.
//
// Typical usage:
//
//	log := &mock.MessageLog{}
//	// inject log into the system under test …
//	if got := log.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/vistalk/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// MessageLog is a configurable test double for [memory.MessageLog].
type MessageLog struct {
	mu sync.Mutex

	calls    []Call
	messages map[string][]memory.Message
	records  map[string]memory.SessionRecord

	// AppendErr is returned by Append when non-nil. Nothing is stored.
	AppendErr error

	// MessagesErr is returned by Messages when non-nil.
	MessagesErr error

	// UpdateErr is returned by Update when non-nil. Nothing is changed.
	UpdateErr error

	// SessionErr is returned by Session when non-nil.
	SessionErr error

	// OnAppend, if set, is invoked synchronously for every successful Append.
	// It must not call back into the MessageLog.
	OnAppend func(sessionID string, msg memory.Message)
}

// Calls returns a copy of all recorded method invocations.
func (m *MessageLog) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *MessageLog) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored data without altering the error
// configuration.
func (m *MessageLog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.messages = nil
	m.records = nil
}

// Seed stores messages for sessionID without recording a call.
func (m *MessageLog) Seed(sessionID string, msgs ...memory.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	now := time.Now()
	for _, msg := range msgs {
		m.store(sessionID, memory.Normalize(msg, now))
	}
}

func (m *MessageLog) init() {
	if m.messages == nil {
		m.messages = make(map[string][]memory.Message)
		m.records = make(map[string]memory.SessionRecord)
	}
}

func (m *MessageLog) store(sessionID string, msg memory.Message) {
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	rec, ok := m.records[sessionID]
	if !ok {
		rec = memory.SessionRecord{ID: sessionID, CreatedAt: msg.CreatedAt}
	}
	rec.LastMessageAt = msg.CreatedAt
	m.records[sessionID] = rec
}

// Append implements [memory.MessageLog].
func (m *MessageLog) Append(_ context.Context, sessionID string, msg memory.Message) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{sessionID, msg}})
	if m.AppendErr != nil {
		err := m.AppendErr
		m.mu.Unlock()
		return err
	}
	m.init()
	msg = memory.Normalize(msg, time.Now())
	m.store(sessionID, msg)
	hook := m.OnAppend
	m.mu.Unlock()

	if hook != nil {
		hook(sessionID, msg)
	}
	return nil
}

// Messages implements [memory.MessageLog].
func (m *MessageLog) Messages(_ context.Context, sessionID string) ([]memory.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Messages", Args: []any{sessionID}})
	if m.MessagesErr != nil {
		return nil, m.MessagesErr
	}
	out := make([]memory.Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

// Update implements [memory.MessageLog].
func (m *MessageLog) Update(_ context.Context, sessionID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Update", Args: []any{sessionID, fields}})
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	parsed, err := memory.ParseFields(fields)
	if err != nil {
		return err
	}
	m.init()
	rec, ok := m.records[sessionID]
	if !ok {
		return memory.ErrSessionNotFound
	}
	for _, f := range parsed {
		switch f.Name {
		case memory.FieldSummary:
			rec.Summary = f.Value
		case memory.FieldCommand:
			if f.Clear {
				rec.Command = nil
			} else {
				v := f.Value
				rec.Command = &v
			}
		}
	}
	m.records[sessionID] = rec
	return nil
}

// Session implements [memory.MessageLog].
func (m *MessageLog) Session(_ context.Context, sessionID string) (memory.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Session", Args: []any{sessionID}})
	if m.SessionErr != nil {
		return memory.SessionRecord{}, m.SessionErr
	}
	rec, ok := m.records[sessionID]
	if !ok {
		return memory.SessionRecord{}, memory.ErrSessionNotFound
	}
	return rec, nil
}

// Appended returns the messages successfully appended to sessionID.
func (m *MessageLog) Appended(sessionID string) []memory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out
}

var _ memory.MessageLog = (*MessageLog)(nil)
