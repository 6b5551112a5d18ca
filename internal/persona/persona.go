// Package persona supplies the system instruction for new live sessions.
//
// The instruction is read from a text file. A missing, unreadable or blank
// file falls back to a fixed default so sessions can always start. [Persona.Run]
// polls the file and swaps in new content; sessions already running keep the
// text they started with.
package persona

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFallback is used when no persona file can be loaded.
const DefaultFallback = "너는 도움이 되는 LG전자의 AI 어시스턴트야."

// Option configures a [Persona].
type Option func(*Persona)

// WithFallback replaces [DefaultFallback]. A blank value is ignored.
func WithFallback(text string) Option {
	return func(p *Persona) {
		if t := string(bytes.TrimSpace([]byte(text))); t != "" {
			p.fallback = t
		}
	}
}

// WithInterval sets the polling interval of [Persona.Run]. Default: 5s.
func WithInterval(d time.Duration) Option {
	return func(p *Persona) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after the instruction changed.
func WithOnChange(fn func(text string)) Option {
	return func(p *Persona) { p.onChange = fn }
}

// Persona holds the current system instruction. It is safe for concurrent
// use.
type Persona struct {
	path     string
	fallback string
	interval time.Duration
	onChange func(string)

	text     atomic.Pointer[string]
	fromFile atomic.Bool

	mu    sync.Mutex
	mtime time.Time
	sum   [sha256.Size]byte
}

// New loads the instruction from path. An empty path always uses the
// fallback.
func New(path string, opts ...Option) *Persona {
	p := &Persona{
		path:     path,
		fallback: DefaultFallback,
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.reload()
	return p
}

// Instructions returns the current system instruction.
func (p *Persona) Instructions() string {
	if t := p.text.Load(); t != nil {
		return *t
	}
	return p.fallback
}

// FromFile reports whether the current instruction came from the file.
func (p *Persona) FromFile() bool { return p.fromFile.Load() }

// Path returns the watched file path.
func (p *Persona) Path() string { return p.path }

// Check is a readiness probe. It fails only when a configured file could not
// be loaded.
func (p *Persona) Check(context.Context) error {
	if p.path != "" && !p.FromFile() {
		return errors.New("persona: using fallback instruction")
	}
	return nil
}

// Run polls the file until ctx is done. It always returns nil.
func (p *Persona) Run(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.reload()
		}
	}
}

// reload re-reads the file when its mtime moved and installs the content
// when its hash changed. It reports whether the instruction changed.
func (p *Persona) reload() bool {
	if p.path == "" {
		return p.install(p.fallback, false, [sha256.Size]byte{}, time.Time{})
	}

	info, err := os.Stat(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("persona: cannot stat file", "path", p.path, "err", err)
		}
		return p.install(p.fallback, false, [sha256.Size]byte{}, time.Time{})
	}

	p.mu.Lock()
	unchanged := p.fromFile.Load() && info.ModTime().Equal(p.mtime)
	p.mu.Unlock()
	if unchanged {
		return false
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		slog.Warn("persona: cannot read file", "path", p.path, "err", err)
		return p.install(p.fallback, false, [sha256.Size]byte{}, time.Time{})
	}
	sum := sha256.Sum256(data)
	p.mu.Lock()
	touched := p.fromFile.Load() && sum == p.sum
	if touched {
		p.mtime = info.ModTime()
	}
	p.mu.Unlock()
	if touched {
		return false
	}

	text := string(bytes.TrimSpace(data))
	if text == "" {
		slog.Warn("persona: file is empty, using fallback", "path", p.path)
		return p.install(p.fallback, false, [sha256.Size]byte{}, info.ModTime())
	}
	return p.install(text, true, sum, info.ModTime())
}

func (p *Persona) install(text string, fromFile bool, sum [sha256.Size]byte, mtime time.Time) bool {
	p.mu.Lock()
	p.mtime = mtime
	p.sum = sum
	cur := p.text.Load()
	if cur != nil && *cur == text && p.fromFile.Load() == fromFile {
		p.mu.Unlock()
		return false
	}
	p.text.Store(&text)
	p.fromFile.Store(fromFile)
	p.mu.Unlock()

	slog.Info("persona: instruction loaded", "path", p.path, "from_file", fromFile, "chars", len(text))
	if p.onChange != nil {
		p.onChange(text)
	}
	return true
}
