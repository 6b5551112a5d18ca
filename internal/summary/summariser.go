// Package summary condenses a finished session into one sentence describing
// the user's problem.
//
// The [Summariser] loads the session's messages, renders them as a
// "[sender]: text" log, asks an LLM for a one-sentence technical summary of
// the reported symptom and stores it on the session record while clearing
// any pending command.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/provider/llm"
)

// ErrNoMessages is returned for a session without any logged message.
var ErrNoMessages = errors.New("summary: session has no messages")

// DefaultPrompt instructs the model. It is written in the conversation
// language.
const DefaultPrompt = `아래는 가전제품 수리 AI와 사용자의 대화 로그입니다.
현재 사용자가 겪고 있는 '문제점'과 '증상'을 기술적인 관점에서 명확하게 1문장으로 요약해 주세요.
요약 문장만 출력하세요.`

// Option configures a [Summariser].
type Option func(*Summariser)

// WithPrompt replaces [DefaultPrompt].
func WithPrompt(p string) Option {
	return func(s *Summariser) { s.prompt = p }
}

// WithTimeout bounds a background summary run. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Summariser) { s.timeout = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Summariser) { s.metrics = m }
}

// WithProviderName sets the provider label on metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(s *Summariser) { s.providerName = name }
}

// Summariser produces and stores session summaries. It is safe for
// concurrent use; concurrent requests for the same session share one run.
type Summariser struct {
	log          memory.MessageLog
	llm          llm.Provider
	prompt       string
	timeout      time.Duration
	metrics      *observe.Metrics
	providerName string

	group singleflight.Group

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Summariser reading from and writing to log.
func New(log memory.MessageLog, provider llm.Provider, opts ...Option) (*Summariser, error) {
	if log == nil {
		return nil, errors.New("summary: message log must not be nil")
	}
	if provider == nil {
		return nil, errors.New("summary: llm provider must not be nil")
	}
	s := &Summariser{
		log:          log,
		llm:          provider,
		prompt:       DefaultPrompt,
		timeout:      30 * time.Second,
		providerName: "llm",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Trigger summarises sessionID in the background. It returns immediately.
// Failures are logged.
func (s *Summariser) Trigger(sessionID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx := observe.WithSession(s.ctx, sessionID)
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		log := observe.Logger(ctx)
		text, err := s.Summarise(ctx, sessionID)
		switch {
		case errors.Is(err, ErrNoMessages):
			log.Info("summary: nothing to summarise")
		case err != nil:
			log.Error("summary: failed", "err", err)
		default:
			log.Info("summary: stored", "chars", len(text))
		}
	}()
}

// Summarise generates the summary of sessionID, stores it and returns it.
func (s *Summariser) Summarise(ctx context.Context, sessionID string) (string, error) {
	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		return s.summarise(ctx, sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Summariser) summarise(ctx context.Context, sessionID string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "summary.summarise")
	defer span.End()

	msgs, err := s.log.Messages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("summary: load messages: %w", err)
	}
	transcript := Render(msgs)
	if transcript == "" {
		return "", ErrNoMessages
	}

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "[대화 로그]\n" + transcript}},
		Temperature:  0.2,
		MaxTokens:    256,
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "complete", "error")
		span.RecordError(err)
		return "", fmt.Errorf("summary: complete: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "complete", "ok")

	var text string
	if resp != nil {
		text = strings.TrimSpace(resp.Content)
	}
	if text == "" {
		return "", errors.New("summary: model returned an empty summary")
	}
	if err := s.log.Update(ctx, sessionID, map[string]any{
		memory.FieldSummary: text,
		memory.FieldCommand: nil,
	}); err != nil {
		return "", fmt.Errorf("summary: store: %w", err)
	}
	return text, nil
}

// Close cancels background runs and waits for them to return.
func (s *Summariser) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Render formats messages as one "[sender]: text" line each. Messages with
// blank text are skipped.
func Render(msgs []memory.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		sender := string(m.Sender)
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", sender, text)
	}
	return sb.String()
}
