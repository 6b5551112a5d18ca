// Package fault defines the closed set of failure kinds a relay session can
// observe and the classified error type that carries them.
//
// Errors are classified where they are raised (the backend client, the client
// codec, the client sender) and consumers branch on [Kind] only. No consumer
// inspects error text.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Kind enumerates the failure classes of a relay session.
type Kind int

const (
	// Unclassified is any failure that no producer could attribute. It is
	// terminal.
	Unclassified Kind = iota

	// ClientDisconnect is a graceful or abrupt client hang-up. Terminal for
	// the session but not alarming.
	ClientDisconnect

	// BackendUnavailable means the streaming backend refused or dropped the
	// session (websocket close 1011/1013, status UNAVAILABLE).
	BackendUnavailable

	// BackendDeadlineExceeded means the backend ended the session because it
	// ran out of time (goAway, status DEADLINE_EXCEEDED).
	BackendDeadlineExceeded

	// MalformedEnvelope is an inbound client message that could not be
	// decoded. Recoverable.
	MalformedEnvelope

	// SendTimeout is a client-bound write that did not complete in time.
	// Recoverable: only the single item is lost.
	SendTimeout
)

var kindNames = [...]string{
	Unclassified:            "unclassified",
	ClientDisconnect:        "client_disconnect",
	BackendUnavailable:      "backend_unavailable",
	BackendDeadlineExceeded: "backend_deadline_exceeded",
	MalformedEnvelope:       "malformed_envelope",
	SendTimeout:             "send_timeout",
}

// String returns the snake_case name used in logs and metric attributes.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Terminal reports whether a failure of this kind ends the session.
func (k Kind) Terminal() bool {
	switch k {
	case MalformedEnvelope, SendTimeout:
		return false
	default:
		return true
	}
}

// NotifiesClient reports whether the client should receive an error envelope
// before the session closes.
func (k Kind) NotifiesClient() bool {
	switch k {
	case BackendUnavailable, BackendDeadlineExceeded, Unclassified:
		return true
	default:
		return false
	}
}

// Code is the numeric code carried in the client error envelope. It mirrors
// the websocket close code the session is closed with.
func (k Kind) Code() int {
	switch k {
	case ClientDisconnect:
		return 1000
	case MalformedEnvelope:
		return 1007
	default:
		return 1011
	}
}

// Message is the user-facing text carried in the client error envelope.
func (k Kind) Message() string {
	switch k {
	case BackendUnavailable:
		return "Gemini 서비스가 일시적으로 불가합니다. 재연결 후 다시 시도해 주세요."
	case BackendDeadlineExceeded:
		return "Gemini 세션 시간이 초과되었습니다. 재연결 후 다시 시도해 주세요."
	default:
		return "내부 오류가 발생했습니다. 재연결 후 다시 시도해 주세요."
	}
}

// Error is a classified failure. Op names the operation that failed
// ("gemini: receive", "relay: send audio", ...).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain. A bare
// context.Canceled is a ClientDisconnect (the session was torn down from
// outside) and io.EOF is a hang-up. Everything else is Unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return Unclassified
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return ClientDisconnect
	case errors.Is(err, context.DeadlineExceeded):
		return BackendDeadlineExceeded
	}
	return Unclassified
}
