// Package memory defines the session-scoped message log that records a live
// conversation.
//
// The log is append-only per session and read back in creation order. Besides
// messages, every session carries a small record of mutable fields (summary,
// pending command) that are written with [MessageLog.Update].
//
// Implementations live in the sub-packages (postgres, redis, mock). Every
// implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	// SenderUser marks recognised user speech.
	SenderUser Sender = "user"

	// SenderModel marks backend output.
	SenderModel Sender = "gemini"
)

// TypeLive is the message type of everything recorded by the live relay.
const TypeLive = "live"

// Session record fields accepted by [MessageLog.Update].
const (
	// FieldSummary holds the one-sentence conversation summary (string).
	FieldSummary = "summary"

	// FieldCommand holds a pending out-of-band command for the session
	// (string, or nil to clear it).
	FieldCommand = "command"
)

var (
	// ErrSessionNotFound is returned when a session has no record.
	ErrSessionNotFound = errors.New("memory: session not found")

	// ErrUnknownField is returned by Update for a field outside the session
	// record schema.
	ErrUnknownField = errors.New("memory: unknown session field")
)

// Message is one logged utterance.
type Message struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`

	// Type is the message type; empty is stored as [TypeLive].
	Type string `json:"message_type"`

	// CreatedAt orders messages within a session. Zero means "now" on append.
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is the mutable per-session metadata.
type SessionRecord struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	Summary       string    `json:"summary"`
	Command       *string   `json:"command"`
}

// MessageLog is the append / ordered-read log of one or more sessions.
type MessageLog interface {
	// Append records msg under sessionID, creating the session record if it
	// does not exist and bumping its last-message time.
	Append(ctx context.Context, sessionID string, msg Message) error

	// Messages returns every message of sessionID ordered by creation time,
	// oldest first. An unknown session yields an empty slice.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// Update sets fields of the session record. Keys must be one of the
	// Field* constants; a nil value clears the field. Returns
	// ErrSessionNotFound when the session was never appended to.
	Update(ctx context.Context, sessionID string, fields map[string]any) error

	// Session returns the session record or ErrSessionNotFound.
	Session(ctx context.Context, sessionID string) (SessionRecord, error)
}

// Pinger is implemented by logs backed by a remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Normalize fills the defaulted fields of msg.
func Normalize(msg Message, now time.Time) Message {
	if msg.Type == "" {
		msg.Type = TypeLive
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg
}

// FieldValue is a validated Update field. Clear is true when the field is to
// be reset to its empty state.
type FieldValue struct {
	Name  string
	Value string
	Clear bool
}

// ParseFields validates an Update field map against the session record
// schema and returns the fields in a stable order.
func ParseFields(fields map[string]any) ([]FieldValue, error) {
	var out []FieldValue
	for _, name := range []string{FieldSummary, FieldCommand} {
		v, ok := fields[name]
		if !ok {
			continue
		}
		fv := FieldValue{Name: name}
		switch val := v.(type) {
		case nil:
			fv.Clear = true
		case string:
			fv.Value = val
		case *string:
			if val == nil {
				fv.Clear = true
			} else {
				fv.Value = *val
			}
		default:
			return nil, fmt.Errorf("memory: field %q: unsupported value type %T", name, v)
		}
		out = append(out, fv)
	}
	if len(out) != len(fields) {
		for name := range fields {
			if name != FieldSummary && name != FieldCommand {
				return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
			}
		}
	}
	return out, nil
}
