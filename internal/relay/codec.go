package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/vistalk/pkg/fault"
)

// SignalKind is the decoded meaning of an inbound text envelope.
type SignalKind int

const (
	// SignalAudio carries a chunk of 16 kHz mono s16le PCM.
	SignalAudio SignalKind = iota + 1
	// SignalText is reserved and ignored.
	SignalText
	// SignalEndOfTurn asks the backend to start answering.
	SignalEndOfTurn
	// SignalTerminate ends the session at the client's request.
	SignalTerminate
)

// String returns the signal name for logging.
func (k SignalKind) String() string {
	switch k {
	case SignalAudio:
		return "audio-chunk"
	case SignalText:
		return "text-chunk"
	case SignalEndOfTurn:
		return "end-of-turn"
	case SignalTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Inbound envelope types.
const (
	TypeAudio          = "audio"
	TypeText           = "text"
	TypeUserSpeechEnd  = "user_speech_end"
	TypeCloseDiagnosis = "close_diagnosis"
	TypeExitDiagnosis  = "exit_diagnosis"
)

// Outbound-only envelope types.
const (
	TypeTurnComplete = "turn_complete"
	TypeError        = "error"
)

// ControlSignal is one decoded inbound text envelope.
type ControlSignal struct {
	Kind SignalKind
	// Type is the raw envelope type, kept for logging.
	Type string
	// Audio holds the decoded PCM of an audio-chunk.
	Audio []byte
}

var errMissingType = errors.New("missing type")

type inboundEnvelope struct {
	Type string  `json:"type"`
	Data *string `json:"data,omitempty"`
}

// DecodeText parses an inbound text frame. Every failure is a
// [fault.MalformedEnvelope].
func DecodeText(p []byte) (ControlSignal, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return ControlSignal{}, fault.New(fault.MalformedEnvelope, "decode", err)
	}

	sig := ControlSignal{Type: env.Type}
	switch env.Type {
	case TypeAudio:
		if env.Data == nil {
			return ControlSignal{}, fault.New(fault.MalformedEnvelope, "decode audio", errors.New("missing data"))
		}
		pcm, err := base64.StdEncoding.DecodeString(*env.Data)
		if err != nil {
			return ControlSignal{}, fault.New(fault.MalformedEnvelope, "decode audio", err)
		}
		sig.Kind = SignalAudio
		sig.Audio = pcm
	case TypeText:
		sig.Kind = SignalText
	case TypeUserSpeechEnd:
		sig.Kind = SignalEndOfTurn
	case TypeCloseDiagnosis, TypeExitDiagnosis:
		sig.Kind = SignalTerminate
	case "":
		return ControlSignal{}, fault.New(fault.MalformedEnvelope, "decode", errMissingType)
	default:
		return ControlSignal{}, fault.New(fault.MalformedEnvelope, "decode",
			fmt.Errorf("unknown type %q", env.Type))
	}
	return sig, nil
}

// Envelope is an outbound message to the client.
type Envelope struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Exit    bool   `json:"exit,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// AudioEnvelope wraps 24 kHz PCM from the backend.
func AudioEnvelope(pcm []byte) Envelope {
	return Envelope{Type: TypeAudio, Data: base64.StdEncoding.EncodeToString(pcm)}
}

// TextEnvelope wraps an admitted output-text fragment.
func TextEnvelope(text string) Envelope {
	return Envelope{Type: TypeText, Data: text}
}

// TurnCompleteEnvelope marks the end of a model turn, or of the whole
// session when exit is true.
func TurnCompleteEnvelope(exit bool) Envelope {
	return Envelope{Type: TypeTurnComplete, Exit: exit}
}

// ErrorEnvelope reports a session-terminating fault to the client.
func ErrorEnvelope(kind fault.Kind) Envelope {
	return Envelope{Type: TypeError, Code: kind.Code(), Message: kind.Message()}
}

// Encode returns the JSON wire form of e.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
