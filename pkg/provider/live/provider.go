// Package live defines the interface for streaming multimodal backends such as
// the Gemini Live API.
//
// A live backend accepts realtime audio and video input over one persistent
// connection and answers with an interleaved stream of synthesised audio,
// transcriptions of both sides of the conversation and turn lifecycle events.
// The relay consumes the stream through [Session.Events] and never needs to
// know which vendor is behind it.
//
// Terminal failures are reported through [Session.Err] as *fault.Error values
// so callers can branch on the failure kind without looking at error text.
package live

import "context"

// EventKind discriminates the events emitted by a live session.
type EventKind int

const (
	// EventAudio carries a chunk of synthesised PCM audio in Event.Data.
	EventAudio EventKind = iota

	// EventOutputText carries a fragment of model output text in Event.Text.
	EventOutputText

	// EventInputTranscript carries a fragment of the recognised user speech in
	// Event.Text. Event.Final distinguishes stable results from interim ones.
	EventInputTranscript

	// EventTurnComplete marks the end of one model turn. The session stays
	// open for subsequent turns.
	EventTurnComplete
)

// String returns a lowercase name for logs.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventOutputText:
		return "output_text"
	case EventInputTranscript:
		return "input_transcript"
	case EventTurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// Event is one item of a live session's output stream.
type Event struct {
	Kind EventKind

	// Data is raw audio for EventAudio (24 kHz s16le mono for Gemini).
	Data []byte

	// Text is the fragment for EventOutputText and EventInputTranscript.
	Text string

	// Final is meaningful for EventInputTranscript only.
	Final bool
}

// ActivityHandling selects how user activity interacts with ongoing model
// output.
type ActivityHandling string

const (
	// ActivityInterrupts lets user speech barge in on model output.
	ActivityInterrupts ActivityHandling = "START_OF_ACTIVITY_INTERRUPTS"

	// ActivityNoInterruption lets the model finish speaking regardless of
	// user activity.
	ActivityNoInterruption ActivityHandling = "NO_INTERRUPTION"
)

// ActivityDetection configures server-side voice activity detection.
type ActivityDetection struct {
	// Disabled turns automatic detection off; the client then marks turns
	// explicitly.
	Disabled bool

	// PrefixPaddingMs is the amount of detected speech required before a
	// start of speech is committed.
	PrefixPaddingMs int

	// SilenceDurationMs is the amount of silence required before an end of
	// speech is committed.
	SilenceDurationMs int
}

// SessionConfig is the fixed configuration negotiated when a session opens.
type SessionConfig struct {
	// Instructions is the system instruction (persona) text.
	Instructions string

	// Voice is the prebuilt voice name, e.g. "Kore".
	Voice string

	// ResponseModalities lists the output modalities. Empty means audio only.
	ResponseModalities []string

	// InputTranscription enables transcription of user audio.
	InputTranscription bool

	// OutputTranscription enables transcription of synthesised audio.
	OutputTranscription bool

	// MaxOutputTokens caps one model response. Zero leaves the backend default.
	MaxOutputTokens int

	// ActivityDetection configures automatic voice activity detection.
	ActivityDetection ActivityDetection

	// ActivityHandling selects barge-in behaviour. Empty leaves the backend
	// default.
	ActivityHandling ActivityHandling
}

// Session is an open live conversation.
//
// Send methods may be called concurrently with each other and with reads
// from Events. Implementations must be safe for concurrent use.
type Session interface {
	// SendAudio forwards one chunk of 16 kHz s16le mono PCM.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendVideo forwards one JPEG encoded video frame.
	SendVideo(ctx context.Context, jpeg []byte) error

	// EndTurn tells the backend the user finished their turn so generation
	// can begin.
	EndTurn(ctx context.Context) error

	// Events returns the output stream. The channel is closed when the
	// session ends for any reason; Err then reports why.
	Events() <-chan Event

	// Err returns the terminal error after Events is closed. It is nil when
	// the session was closed by the caller.
	Err() error

	// Close ends the session and releases all resources. Idempotent.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
