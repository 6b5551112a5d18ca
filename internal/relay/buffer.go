package relay

import (
	"strings"
	"sync"
	"time"
)

// UtteranceBuffer collects final speech-recognition fragments of the user's
// current utterance. Fragments are joined with single spaces.
//
// Each utterance is flushed exactly once: by [UtteranceBuffer.FlushIfIdle]
// after a quiet period or by [UtteranceBuffer.Flush] on end-of-turn,
// whichever comes first. The buffer is empty after a flush.
type UtteranceBuffer struct {
	mu    sync.Mutex
	parts []string
	last  time.Time
}

// Append adds a fragment. Blank fragments are ignored and do not refresh the
// idle timer.
func (b *UtteranceBuffer) Append(text string, now time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = append(b.parts, text)
	b.last = now
}

// Len returns the number of buffered fragments.
func (b *UtteranceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parts)
}

// FlushIfIdle flushes when the buffer is non-empty and more than idle has
// passed since the last append.
func (b *UtteranceBuffer) FlushIfIdle(now time.Time, idle time.Duration) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.parts) == 0 || now.Sub(b.last) <= idle {
		return "", false
	}
	return b.takeLocked(), true
}

// Flush empties the buffer and returns its content. ok is false when there
// was nothing to flush.
func (b *UtteranceBuffer) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.parts) == 0 {
		return "", false
	}
	return b.takeLocked(), true
}

func (b *UtteranceBuffer) takeLocked() string {
	text := strings.Join(b.parts, " ")
	b.parts = nil
	return text
}

// TranscriptBuffer collects the admitted output-text fragments of the
// current model turn. Fragments are concatenated as received since the
// backend already carries word spacing inside them.
type TranscriptBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

// Append adds a fragment.
func (b *TranscriptBuffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(text)
}

// Flush empties the buffer and returns its trimmed content. ok is false when
// the turn produced no text.
func (b *TranscriptBuffer) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.TrimSpace(b.sb.String())
	b.sb.Reset()
	return text, text != ""
}
