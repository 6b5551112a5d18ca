package relay

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/MrWong99/vistalk/pkg/fault"
)

func TestDecodeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		wantKind  SignalKind
		wantAudio []byte
		wantErr   bool
	}{
		{name: "audio", in: `{"type":"audio","data":"AAECAw=="}`, wantKind: SignalAudio, wantAudio: []byte{0, 1, 2, 3}},
		{name: "empty audio payload", in: `{"type":"audio","data":""}`, wantKind: SignalAudio, wantAudio: []byte{}},
		{name: "text reserved", in: `{"type":"text","data":"hi"}`, wantKind: SignalText},
		{name: "user speech end", in: `{"type":"user_speech_end"}`, wantKind: SignalEndOfTurn},
		{name: "close diagnosis", in: `{"type":"close_diagnosis"}`, wantKind: SignalTerminate},
		{name: "exit diagnosis", in: `{"type":"exit_diagnosis"}`, wantKind: SignalTerminate},
		{name: "invalid json", in: `{"type":`, wantErr: true},
		{name: "unknown type", in: `{"type":"dance"}`, wantErr: true},
		{name: "missing type", in: `{"data":"AAEC"}`, wantErr: true},
		{name: "audio without data", in: `{"type":"audio"}`, wantErr: true},
		{name: "bad base64", in: `{"type":"audio","data":"!!!"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, err := DecodeText([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if got := fault.KindOf(err); got != fault.MalformedEnvelope {
					t.Errorf("kind = %v, want %v", got, fault.MalformedEnvelope)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sig.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", sig.Kind, tt.wantKind)
			}
			if tt.wantAudio != nil && !bytes.Equal(sig.Audio, tt.wantAudio) {
				t.Errorf("Audio = %v, want %v", sig.Audio, tt.wantAudio)
			}
		})
	}
}

func TestEnvelopeEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"audio", AudioEnvelope([]byte{0, 1, 2, 3}), `{"type":"audio","data":"AAECAw=="}`},
		{"text", TextEnvelope("안녕하세요"), `{"type":"text","data":"안녕하세요"}`},
		{"turn complete", TurnCompleteEnvelope(false), `{"type":"turn_complete"}`},
		{"exit", TurnCompleteEnvelope(true), `{"type":"turn_complete","exit":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.env.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	p, err := ErrorEnvelope(fault.BackendUnavailable).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(p, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "error" {
		t.Errorf("type = %v", got["type"])
	}
	if got["code"] != float64(1011) {
		t.Errorf("code = %v, want 1011", got["code"])
	}
	if got["message"] != fault.BackendUnavailable.Message() {
		t.Errorf("message = %v", got["message"])
	}
}
