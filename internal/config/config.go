// Package config provides the configuration schema, loader and provider
// registry for the vistalk relay server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// MemoryBackend selects the message log implementation.
type MemoryBackend string

const (
	MemoryPostgres MemoryBackend = "postgres"
	MemoryRedis    MemoryBackend = "redis"

	// MemoryNone disables history. Sessions still run; nothing is recorded.
	MemoryNone MemoryBackend = "none"
)

// IsValid reports whether b is a recognised backend.
func (b MemoryBackend) IsValid() bool {
	switch b {
	case MemoryPostgres, MemoryRedis, MemoryNone:
		return true
	}
	return false
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
	Relay     RelayConfig     `yaml:"relay"`
	Persona   PersonaConfig   `yaml:"persona"`
	Summary   SummaryConfig   `yaml:"summary"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the Origin host patterns accepted on the
	// websocket endpoint. Empty accepts same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the live backend and the summary LLM.
type ProvidersConfig struct {
	// Live is the streaming speech backend.
	Live ProviderEntry `yaml:"live"`

	// LLM produces session summaries. Empty disables summaries.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the factory in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig selects and tunes the message log.
type MemoryConfig struct {
	// Backend defaults to "postgres" when PostgresDSN is set, "redis" when
	// Redis.Addr is set and "none" otherwise.
	Backend MemoryBackend `yaml:"backend"`

	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	Redis RedisConfig `yaml:"redis"`

	// Timezone names the IANA zone of human-readable timestamps.
	// Default "Asia/Seoul".
	Timezone string `yaml:"timezone"`

	// WriteTimeout bounds a single append. Default 2s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// BreakerThreshold consecutive failures open the history circuit for
	// BreakerCooldown. Defaults 5 and 30s.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	// TTL expires idle sessions. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// RelayConfig overrides relay timings. Zero values keep the built-in
// defaults.
type RelayConfig struct {
	Voice           string        `yaml:"voice"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
	FrameInterval   time.Duration `yaml:"frame_interval"`
	FlushTick       time.Duration `yaml:"flush_tick"`
	UtteranceIdle   time.Duration `yaml:"utterance_idle"`
	MinAudioBytes   int           `yaml:"min_audio_bytes"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
	TeardownFlush   time.Duration `yaml:"teardown_flush"`

	// Script is the Unicode script name output text must contain
	// (e.g. "Hangul").
	Script string `yaml:"script"`
}

// PersonaConfig locates the system instruction.
type PersonaConfig struct {
	// Path is the instruction text file. Empty uses Fallback.
	Path string `yaml:"path"`

	// Fallback replaces the built-in default instruction.
	Fallback string `yaml:"fallback"`

	// PollInterval is how often Path is checked for changes. Default 5s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SummaryConfig tunes session summaries.
type SummaryConfig struct {
	// Timeout bounds one background summary. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Prompt replaces the built-in summary instruction.
	Prompt string `yaml:"prompt"`
}

// EffectiveBackend resolves the memory backend, applying the defaults
// documented on [MemoryConfig.Backend].
func (m MemoryConfig) EffectiveBackend() MemoryBackend {
	switch {
	case m.Backend != "":
		return m.Backend
	case m.PostgresDSN != "":
		return MemoryPostgres
	case m.Redis.Addr != "":
		return MemoryRedis
	default:
		return MemoryNone
	}
}

// Location returns the configured time zone, falling back to a fixed UTC+9
// zone when the name cannot be loaded.
func (m MemoryConfig) Location() *time.Location {
	name := m.Timezone
	if name == "" {
		name = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
