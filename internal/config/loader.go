package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known provider names per provider kind.
// [Validate] warns about names outside these lists.
var ValidProviderNames = map[string][]string{
	"live": {"gemini"},
	"llm":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills API keys left empty in the file from the environment:
// GEMINI_API_KEY (or GOOGLE_API_KEY) for the live backend and
// <NAME>_API_KEY for LLM providers.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Providers.Live.APIKey == "" {
		for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
			if v, ok := lookup(k); ok && v != "" {
				cfg.Providers.Live.APIKey = v
				break
			}
		}
	}
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" || e.Name == "" {
			return
		}
		if v, ok := lookup(envKey(e.Name)); ok {
			e.APIKey = v
		}
	}
	fill(&cfg.Providers.LLM)
	for i := range cfg.Providers.LLMFallbacks {
		fill(&cfg.Providers.LLMFallbacks[i])
	}
}

func envKey(provider string) string {
	b := make([]rune, 0, len(provider)+8)
	for _, r := range provider {
		if r == '-' {
			r = '_'
		}
		b = append(b, unicode.ToUpper(r))
	}
	return string(b) + "_API_KEY"
}

// ApplyDefaults sets the values that must not stay zero.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Providers.Live.Name == "" {
		cfg.Providers.Live.Name = "gemini"
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = cfg.Memory.EffectiveBackend()
	}
}

// Validate checks that cfg is coherent. It returns every problem found,
// joined with [errors.Join]. Soft problems are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	if cfg.Providers.Live.APIKey == "" {
		errs = append(errs, errors.New("providers.live.api_key is required (or set GEMINI_API_KEY)"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
		} else {
			slog.Warn("providers.llm is not configured; session summaries are disabled")
		}
	}

	errs = append(errs, validateMemory(cfg.Memory)...)
	errs = append(errs, validateRelay(cfg.Relay)...)

	if cfg.Persona.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("persona.poll_interval %v must not be negative", cfg.Persona.PollInterval))
	}
	if cfg.Persona.Path != "" {
		if _, err := os.Stat(cfg.Persona.Path); err != nil {
			slog.Warn("persona file is not readable yet; the fallback instruction is used until it appears",
				"path", cfg.Persona.Path, "err", err)
		}
	}
	if cfg.Summary.Timeout < 0 {
		errs = append(errs, fmt.Errorf("summary.timeout %v must not be negative", cfg.Summary.Timeout))
	}

	return errors.Join(errs...)
}

func validateMemory(m MemoryConfig) []error {
	var errs []error
	backend := m.EffectiveBackend()
	if !backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: postgres, redis, none", m.Backend))
	}
	switch backend {
	case MemoryPostgres:
		if m.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres backend"))
		}
	case MemoryRedis:
		if m.Redis.Addr == "" {
			errs = append(errs, errors.New("memory.redis.addr is required for the redis backend"))
		}
	case MemoryNone:
		slog.Warn("memory backend is none; conversations are not recorded and summaries cannot run")
	}
	if m.Timezone != "" {
		if _, err := time.LoadLocation(m.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("memory.timezone %q: %w", m.Timezone, err))
		}
	}
	if m.WriteTimeout < 0 || m.BreakerCooldown < 0 || m.Redis.TTL < 0 {
		errs = append(errs, errors.New("memory durations must not be negative"))
	}
	if m.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("memory.breaker_threshold %d must not be negative", m.BreakerThreshold))
	}
	return errs
}

func validateRelay(r RelayConfig) []error {
	var errs []error
	durations := map[string]time.Duration{
		"prefix_padding":    r.PrefixPadding,
		"silence_duration":  r.SilenceDuration,
		"frame_interval":    r.FrameInterval,
		"flush_tick":        r.FlushTick,
		"utterance_idle":    r.UtteranceIdle,
		"send_timeout":      r.SendTimeout,
		"read_idle_timeout": r.ReadIdleTimeout,
		"teardown_flush":    r.TeardownFlush,
	}
	names := make([]string, 0, len(durations))
	for name := range durations {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if durations[name] < 0 {
			errs = append(errs, fmt.Errorf("relay.%s %v must not be negative", name, durations[name]))
		}
	}
	if r.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("relay.max_output_tokens %d must not be negative", r.MaxOutputTokens))
	}
	if r.MinAudioBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.min_audio_bytes %d must not be negative", r.MinAudioBytes))
	}
	if r.Script != "" {
		if _, ok := unicode.Scripts[r.Script]; !ok {
			errs = append(errs, fmt.Errorf("relay.script %q is not a Unicode script name", r.Script))
		}
	}
	if r.FlushTick > 0 && r.UtteranceIdle > 0 && r.FlushTick > r.UtteranceIdle {
		slog.Warn("relay.flush_tick is longer than relay.utterance_idle; utterances flush late",
			"flush_tick", r.FlushTick, "utterance_idle", r.UtteranceIdle)
	}
	return errs
}

// validateProviderName logs a warning when name is not a known provider of
// the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
