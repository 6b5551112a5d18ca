// Package app wires the vistalk subsystems into a running server.
//
// New builds every subsystem from the config, Run serves HTTP until its
// context ends, and Shutdown releases the stores in reverse order.
//
// Tests inject doubles through the functional options (WithMessageLog,
// WithListener, ...). Anything not injected is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vistalk/internal/config"
	"github.com/MrWong99/vistalk/internal/health"
	"github.com/MrWong99/vistalk/internal/history"
	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/persona"
	"github.com/MrWong99/vistalk/internal/relay"
	"github.com/MrWong99/vistalk/internal/resilience"
	"github.com/MrWong99/vistalk/internal/server"
	"github.com/MrWong99/vistalk/internal/summary"
	"github.com/MrWong99/vistalk/pkg/memory"
	"github.com/MrWong99/vistalk/pkg/memory/postgres"
	memredis "github.com/MrWong99/vistalk/pkg/memory/redis"
	"github.com/MrWong99/vistalk/pkg/provider/live"
	"github.com/MrWong99/vistalk/pkg/provider/llm"
)

// NamedLLM is an LLM provider with the name it was configured under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the provider instances built by main from the registry.
type Providers struct {
	// Live is the streaming backend. Required.
	Live live.Provider

	// LLMs are the summary providers in failover order. Empty disables
	// summaries.
	LLMs []NamedLLM
}

// App owns the lifetime of every subsystem.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	log        memory.MessageLog
	guard      *history.Guard
	persona    *persona.Persona
	summariser *summary.Summariser
	relay      *relay.Relay
	server     *server.Server
	httpServer *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMessageLog injects the message log instead of connecting to the
// configured backend.
func WithMessageLog(l memory.MessageLog) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the instruments shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App from cfg and the provider instances.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	a.initPersona()
	if err := a.initSummariser(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init summariser: %w", err)
	}
	if err := a.initRelay(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init relay: %w", err)
	}
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// initMemory connects the configured message log and wraps it in the
// history guard.
func (a *App) initMemory(ctx context.Context) error {
	mc := a.cfg.Memory
	if a.log == nil {
		switch mc.EffectiveBackend() {
		case config.MemoryPostgres:
			store, err := postgres.NewStore(ctx, mc.PostgresDSN)
			if err != nil {
				return err
			}
			a.log = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		case config.MemoryRedis:
			client := goredis.NewClient(&goredis.Options{
				Addr:     mc.Redis.Addr,
				Password: mc.Redis.Password,
				DB:       mc.Redis.DB,
			})
			a.closers = append(a.closers, client.Close)
			opts := []memredis.Option{memredis.WithLocation(mc.Location())}
			if mc.Redis.Prefix != "" {
				opts = append(opts, memredis.WithPrefix(mc.Redis.Prefix))
			}
			if mc.Redis.TTL > 0 {
				opts = append(opts, memredis.WithTTL(mc.Redis.TTL))
			}
			store := memredis.New(client, opts...)
			if err := store.Ping(ctx); err != nil {
				// History degrades gracefully; the relay still serves.
				slog.Warn("app: redis is not reachable yet", "addr", mc.Redis.Addr, "err", err)
			}
			a.log = store
		default:
			slog.Info("app: message log disabled")
			return nil
		}
	}

	breaker := resilience.BreakerConfig{
		Name:      "history",
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
	if mc.BreakerThreshold > 0 {
		breaker.Threshold = mc.BreakerThreshold
	}
	if mc.BreakerCooldown > 0 {
		breaker.Cooldown = mc.BreakerCooldown
	}
	gopts := []history.Option{
		history.WithBreaker(breaker),
		history.WithMetrics(a.metrics),
	}
	if mc.WriteTimeout > 0 {
		gopts = append(gopts, history.WithWriteTimeout(mc.WriteTimeout))
	}
	a.guard = history.New(a.log, gopts...)
	return nil
}

func (a *App) initPersona() {
	pc := a.cfg.Persona
	opts := []persona.Option{
		persona.WithOnChange(func(text string) {
			slog.Info("app: persona reloaded", "path", pc.Path, "chars", len([]rune(text)))
		}),
	}
	if pc.Fallback != "" {
		opts = append(opts, persona.WithFallback(pc.Fallback))
	}
	if pc.PollInterval > 0 {
		opts = append(opts, persona.WithInterval(pc.PollInterval))
	}
	a.persona = persona.New(pc.Path, opts...)
	if pc.Path != "" && !a.persona.FromFile() {
		slog.Warn("app: persona file not loaded; using the fallback instruction", "path", pc.Path)
	}
}

// initSummariser builds the summariser over the LLM failover chain. It is
// skipped when no LLM or no message log is configured.
func (a *App) initSummariser() error {
	llms := a.providers.LLMs
	if len(llms) == 0 || a.guard == nil {
		slog.Info("app: session summaries disabled",
			"llm_configured", len(llms) > 0,
			"history_configured", a.guard != nil,
		)
		return nil
	}

	chain := resilience.NewLLMFallback(llms[0].Name, llms[0].Provider, resilience.BreakerConfig{
		Threshold: 3,
		Cooldown:  time.Minute,
	})
	for _, l := range llms[1:] {
		chain.Add(l.Name, l.Provider)
	}

	sc := a.cfg.Summary
	opts := []summary.Option{
		summary.WithMetrics(a.metrics),
		summary.WithProviderName(llms[0].Name),
	}
	if sc.Prompt != "" {
		opts = append(opts, summary.WithPrompt(sc.Prompt))
	}
	if sc.Timeout > 0 {
		opts = append(opts, summary.WithTimeout(sc.Timeout))
	}
	s, err := summary.New(a.guard, chain, opts...)
	if err != nil {
		return err
	}
	a.summariser = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
	slog.Info("app: session summaries enabled", "backends", chain.Backends())
	return nil
}

func (a *App) initRelay() error {
	opts := []relay.Option{
		relay.WithConfig(relayConfig(a.cfg.Relay)),
		relay.WithMetrics(a.metrics),
	}
	if a.guard != nil {
		opts = append(opts, relay.WithRecorder(a.guard))
	}
	if a.summariser != nil {
		opts = append(opts, relay.WithSummarizer(a.summariser))
	}
	r, err := relay.New(a.providers.Live, a.persona, opts...)
	if err != nil {
		return err
	}
	a.relay = r
	return nil
}

func (a *App) initServer() error {
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(a.checkers()...)),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
	}
	if a.guard != nil {
		opts = append(opts, server.WithHistory(a.guard))
	}
	if a.summariser != nil {
		opts = append(opts, server.WithSummariser(a.summariser))
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	srv, err := server.New(a.relay, opts...)
	if err != nil {
		return err
	}
	a.server = srv
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// checkers returns the readiness checks. An unreachable store fails
// readiness; an open circuit or a fallback persona only degrades it.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.guard != nil {
		cs = append(cs,
			health.Checker{Name: "message_log", Check: a.guard.Ping},
			health.Checker{Name: "history", Check: a.guard.Check, Optional: true},
		)
	}
	cs = append(cs, health.Checker{Name: "persona", Check: a.persona.Check, Optional: true})
	return cs
}

// relayConfig maps the config section onto the relay settings. Zero values
// keep the relay defaults.
func relayConfig(rc config.RelayConfig) relay.Config {
	return relay.Config{
		Voice:           rc.Voice,
		MaxOutputTokens: rc.MaxOutputTokens,
		PrefixPadding:   rc.PrefixPadding,
		SilenceDuration: rc.SilenceDuration,
		FrameInterval:   rc.FrameInterval,
		FlushTick:       rc.FlushTick,
		UtteranceIdle:   rc.UtteranceIdle,
		MinAudioBytes:   rc.MinAudioBytes,
		SendTimeout:     rc.SendTimeout,
		ReadIdleTimeout: rc.ReadIdleTimeout,
		TeardownFlush:   rc.TeardownFlush,
		Script:          rc.Script,
	}
}

// Run serves HTTP and watches the persona file until ctx is cancelled or
// the listener fails. On cancellation it stops the HTTP server and closes
// every connected session within cfg.Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.persona.Run(gctx)
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.stopServing(sctx)
	})

	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// stopServing stops accepting requests, then ends the hijacked websocket
// sessions that http.Server.Shutdown does not track.
func (a *App) stopServing(ctx context.Context) error {
	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// Shutdown releases the summariser and the stores in reverse creation
// order. Closers left when ctx expires are skipped and ctx.Err() is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				err = ctx.Err()
				return
			default:
			}
			if cerr := a.closers[i](); cerr != nil {
				slog.Warn("app: closer error", "index", i, "err", cerr)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return err
}

// closeAll releases whatever New created before it failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
