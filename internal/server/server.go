// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET  /ws/chat                  websocket upgrade, one relay session per connection
//	GET  /sessions/active          sessions connected to this process
//	GET  /sessions/{id}            session record (summary, pending command)
//	GET  /sessions/{id}/messages   ordered message history
//	POST /sessions/{id}/summary    summarise a session now
//	GET  /healthz, /readyz         probes
//	GET  /metrics                  Prometheus exposition
//
// Every route runs behind [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/vistalk/internal/health"
	"github.com/MrWong99/vistalk/internal/history"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/relay"
	"github.com/MrWong99/vistalk/internal/summary"
	"github.com/MrWong99/vistalk/pkg/memory"
)

const (
	// maxSessionIDLen bounds client-supplied session IDs.
	maxSessionIDLen = 128

	// defaultReadLimit fits a base64 camera frame with headroom.
	defaultReadLimit = 4 << 20
)

// SessionServer runs one relay session on an accepted connection.
type SessionServer interface {
	Serve(ctx context.Context, conn relay.Conn, sessionID string) error
}

// History reads the message log.
type History interface {
	Messages(ctx context.Context, sessionID string) ([]memory.Message, error)
	Session(ctx context.Context, sessionID string) (memory.SessionRecord, error)
}

// Summariser produces and stores session summaries on demand.
type Summariser interface {
	Summarise(ctx context.Context, sessionID string) (string, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables the session read routes.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithSummariser enables POST /sessions/{id}/summary.
func WithSummariser(sum Summariser) Option {
	return func(s *Server) { s.summariser = sum }
}

// WithHealth mounts the probe routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the Origin host patterns accepted on /ws/chat.
// Patterns use [path.Match] syntax, e.g. "*.example.com".
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit sets the largest client message accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithTracker replaces the session tracker.
func WithTracker(t *Tracker) Option {
	return func(s *Server) { s.sessions = t }
}

// Server is the HTTP surface of the relay.
type Server struct {
	relay          SessionServer
	history        History
	summariser     Summariser
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	origins        []string
	readLimit      int64
	sessions       *Tracker
}

// New returns a Server that hands websocket sessions to sessions.
func New(sessions SessionServer, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("server: session server is required")
	}
	s := &Server{relay: sessions, readLimit: defaultReadLimit}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.sessions == nil {
		s.sessions = NewTracker()
	}
	return s, nil
}

// Sessions returns the tracker of connected sessions.
func (s *Server) Sessions() *Tracker { return s.sessions }

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat", s.handleChat)
	mux.HandleFunc("GET /sessions/active", s.handleActive)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /sessions/{id}/summary", s.handleSummary)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Shutdown ends every connected session and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.sessions.Shutdown(ctx)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = uuid.NewString()
	} else if err := validSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, release, err := s.sessions.Start(r.Context(), id, r.RemoteAddr)
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, "session is already connected")
		return
	case errors.Is(err, ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "session could not start")
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		log.Warn("server: websocket accept failed", "session_id", id, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	if err := s.relay.Serve(ctx, conn, id); err != nil {
		log.Info("server: session ended", "session_id", id, "err", err)
		return
	}
	log.Info("server: session ended", "session_id", id)
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Active()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	rec, err := s.history.Session(r.Context(), id)
	if err != nil {
		s.historyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	msgs, err := s.history.Messages(r.Context(), id)
	if err != nil {
		s.historyError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   msgs,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if s.summariser == nil {
		writeError(w, http.StatusServiceUnavailable, "summaries are disabled")
		return
	}
	text, err := s.summariser.Summarise(observe.WithSession(r.Context(), id), id)
	switch {
	case errors.Is(err, summary.ErrNoMessages):
		writeError(w, http.StatusNotFound, "session has no messages")
		return
	case errors.Is(err, history.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "history is unavailable")
		return
	case err != nil:
		observe.Logger(r.Context()).Error("server: summary failed", "session_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"summary":    text,
	})
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := validSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) historyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, history.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "history is unavailable")
	default:
		observe.Logger(r.Context()).Error("server: history read failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history read failed")
	}
}

// validSessionID accepts printable IDs without whitespace.
func validSessionID(id string) error {
	if id == "" {
		return errors.New("session id is empty")
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("session id longer than %d bytes", maxSessionIDLen)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '/'
	}) >= 0 {
		return errors.New("session id contains invalid characters")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
