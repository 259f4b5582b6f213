package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by [Load].
const (
	EnvAPIKey       = "GEMINI_API_KEY"
	EnvAPIKeyLegacy = "API_KEY"
	EnvDatabaseURL  = "WECALL_DATABASE_URL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultProvider         = "gemini-live"
	DefaultRingDelay        = 4 * time.Second
	DefaultFailureReset     = 2 * time.Second
	DefaultEndReset         = 1500 * time.Millisecond
	DefaultBreakerFailures  = 3
	DefaultBreakerReset     = 30 * time.Second
	DefaultFFmpegPath       = "ffmpeg"
	DefaultAudioFormat      = "pulse"
	DefaultAudioDevice      = "default"
	DefaultFrameSize        = 4096
	DefaultOutputSampleRate = 24000
	DefaultOrderLimit       = 20
)

// ValidProviderNames lists the speech-to-speech providers shipped with wecall.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "mock"}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, nil)
}

// Default returns the configuration used when no file is given: defaults plus
// environment overrides.
func Default() (*Config, error) {
	return finish(&Config{}, os.LookupEnv)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment. GEMINI_API_KEY wins over
// API_KEY; both win over the file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, key := range []string{EnvAPIKey, EnvAPIKeyLegacy} {
		if v, ok := lookup(key); ok && v != "" {
			cfg.Provider.APIKey = v
			break
		}
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		cfg.Knowledge.PostgresDSN = v
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Provider.Name, DefaultProvider)
	cfg.Persona = cfg.Persona.WithDefaults()

	setDefault(&cfg.Call.RingDelay, DefaultRingDelay)
	setDefault(&cfg.Call.FailureResetDelay, DefaultFailureReset)
	setDefault(&cfg.Call.EndResetDelay, DefaultEndReset)

	setDefault(&cfg.Breaker.MaxFailures, DefaultBreakerFailures)
	setDefault(&cfg.Breaker.ResetTimeout, DefaultBreakerReset)

	setDefault(&cfg.Audio.FFmpegPath, DefaultFFmpegPath)
	setDefault(&cfg.Audio.InputFormat, DefaultAudioFormat)
	setDefault(&cfg.Audio.InputDevice, DefaultAudioDevice)
	setDefault(&cfg.Audio.FrameSize, DefaultFrameSize)
	setDefault(&cfg.Audio.OutputFormat, DefaultAudioFormat)
	setDefault(&cfg.Audio.OutputDevice, DefaultAudioDevice)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.OutputChannels, 1)

	setDefault(&cfg.Knowledge.Source, KnowledgeBuiltin)
	setDefault(&cfg.Knowledge.OrderLimit, DefaultOrderLimit)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.APIKey == "" && cfg.Provider.Name != "mock" {
		slog.Warn("no provider API key configured; calls will fail at negotiation",
			"env", []string{EnvAPIKey, EnvAPIKeyLegacy},
		)
	}

	// Call timing. Negative ring delay disables the ring.
	if cfg.Call.FailureResetDelay < 0 {
		errs = append(errs, fmt.Errorf("call.failure_reset_delay %v must not be negative", cfg.Call.FailureResetDelay))
	}
	if cfg.Call.EndResetDelay < 0 {
		errs = append(errs, fmt.Errorf("call.end_reset_delay %v must not be negative", cfg.Call.EndResetDelay))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %v must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Audio
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}
	if c := cfg.Audio.OutputChannels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", c))
	}

	// Knowledge
	k := cfg.Knowledge
	if k.Source != "" && !k.Source.IsValid() {
		errs = append(errs, fmt.Errorf("knowledge.source %q is invalid; valid values: builtin, yaml, postgres", k.Source))
	}
	if k.Source == KnowledgeYAML && k.Path == "" {
		errs = append(errs, errors.New("knowledge.path is required when source is yaml"))
	}
	if k.Source == KnowledgePostgres && k.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("knowledge.postgres_dsn (or %s) is required when source is postgres", EnvDatabaseURL))
	}
	if k.OrderLimit < 0 {
		errs = append(errs, fmt.Errorf("knowledge.order_limit %d must not be negative", k.OrderLimit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
