package relay

import (
	"sync"
	"testing"
	"time"
)

func TestUtteranceBuffer_DebouncedFlush(t *testing.T) {
	t.Parallel()

	var b UtteranceBuffer
	t0 := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	b.Append("A", t0)
	b.Append("B", t0.Add(300*time.Millisecond))

	var flushed []string
	for at := time.Duration(0); at <= 1500*time.Millisecond; at += 100 * time.Millisecond {
		if text, ok := b.FlushIfIdle(t0.Add(at), time.Second); ok {
			flushed = append(flushed, text)
		}
	}
	if len(flushed) != 1 || flushed[0] != "A B" {
		t.Fatalf("flushed = %q, want exactly [\"A B\"]", flushed)
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty after flush: %d fragments", b.Len())
	}
}

func TestUtteranceBuffer_NotIdleYet(t *testing.T) {
	t.Parallel()

	var b UtteranceBuffer
	t0 := time.Now()
	b.Append("세탁기가", t0)
	if _, ok := b.FlushIfIdle(t0.Add(time.Second), time.Second); ok {
		t.Error("flushed at exactly the idle threshold")
	}
	if _, ok := b.FlushIfIdle(t0.Add(1001*time.Millisecond), time.Second); !ok {
		t.Error("not flushed after the idle threshold")
	}
}

func TestUtteranceBuffer_ExplicitFlush(t *testing.T) {
	t.Parallel()

	var b UtteranceBuffer
	if _, ok := b.Flush(); ok {
		t.Error("empty buffer reported a flush")
	}

	now := time.Now()
	b.Append(" 세탁기가 ", now)
	b.Append("", now)
	b.Append("안 돌아가요", now)
	text, ok := b.Flush()
	if !ok || text != "세탁기가 안 돌아가요" {
		t.Errorf("Flush = %q, %v", text, ok)
	}
	if _, ok := b.FlushIfIdle(now.Add(time.Hour), time.Second); ok {
		t.Error("utterance flushed twice")
	}
}

func TestTranscriptBuffer_TurnsAreIndependent(t *testing.T) {
	t.Parallel()

	var b TranscriptBuffer
	b.Append("안녕하세요, ")
	b.Append("무엇을 도와드릴까요?")
	first, ok := b.Flush()
	if !ok || first != "안녕하세요, 무엇을 도와드릴까요?" {
		t.Fatalf("first turn = %q, %v", first, ok)
	}

	b.Append("전원을 확인해 주세요.")
	second, ok := b.Flush()
	if !ok || second != "전원을 확인해 주세요." {
		t.Fatalf("second turn = %q, %v", second, ok)
	}

	if _, ok := b.Flush(); ok {
		t.Error("empty turn reported text")
	}
}

func TestUtteranceBuffer_ConcurrentAppendAndFlush(t *testing.T) {
	t.Parallel()

	var b UtteranceBuffer
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			b.Append("x", time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			if text, ok := b.Flush(); ok {
				mu.Lock()
				total += (len(text) + 1) / 2
				mu.Unlock()
			}
		}
	}()
	wg.Wait()
	if text, ok := b.Flush(); ok {
		total += (len(text) + 1) / 2
	}
	if total != 200 {
		t.Errorf("fragments seen = %d, want 200", total)
	}
}
