// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the wecall voice service.
package config

import (
	"time"

	"github.com/MrWong99/wecall/internal/catalog"
)

// LogLevel controls log verbosity for the wecall server.
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

// KnowledgeSource selects where the call knowledge snapshot comes from.
type KnowledgeSource string

const (
	// KnowledgeBuiltin serves the compiled-in demo fixtures.
	KnowledgeBuiltin KnowledgeSource = "builtin"

	// KnowledgeYAML reads a snapshot file.
	KnowledgeYAML KnowledgeSource = "yaml"

	// KnowledgePostgres queries the marketplace database.
	KnowledgePostgres KnowledgeSource = "postgres"
)

// IsValid reports whether k is a recognised knowledge source.
func (k KnowledgeSource) IsValid() bool {
	switch k {
	case KnowledgeBuiltin, KnowledgeYAML, KnowledgePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for wecall.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Persona   catalog.Persona `yaml:"persona"`
	Call      CallConfig      `yaml:"call"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Audio     AudioConfig     `yaml:"audio"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the browser origins of the call overlay, for
	// example "http://localhost:5173". Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the speech-to-speech backend.
type ProviderEntry struct {
	// Name selects the registered provider implementation. Default
	// "gemini-live".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Usually supplied through
	// GEMINI_API_KEY or API_KEY instead of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// CallConfig tunes the call lifecycle.
type CallConfig struct {
	// RingDelay is the simulated ring before negotiation. Default 4s.
	RingDelay time.Duration `yaml:"ring_delay"`

	// FailureResetDelay is how long a failed call stays ended. Default 2s.
	FailureResetDelay time.Duration `yaml:"failure_reset_delay"`

	// EndResetDelay is how long a hung-up call stays ended. Default 1.5s.
	EndResetDelay time.Duration `yaml:"end_reset_delay"`
}

// BreakerConfig tunes the negotiation circuit breaker.
type BreakerConfig struct {
	// MaxFailures before the breaker opens. Default 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout before a probe is allowed. Default 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig selects the ffmpeg capture and playback devices.
type AudioConfig struct {
	// FFmpegPath is the ffmpeg executable. Default "ffmpeg".
	FFmpegPath string `yaml:"ffmpeg_path"`

	// InputFormat is the ffmpeg capture demuxer. Default "pulse".
	InputFormat string `yaml:"input_format"`

	// InputDevice names the microphone. Default "default".
	InputDevice string `yaml:"input_device"`

	// FrameSize is the number of samples per captured frame. Default 4096.
	FrameSize int `yaml:"frame_size"`

	// OutputFormat is the ffmpeg playback muxer. Default "pulse".
	OutputFormat string `yaml:"output_format"`

	// OutputDevice names the speaker. Default "default".
	OutputDevice string `yaml:"output_device"`

	// OutputSampleRate of the playback device. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels of the playback device. Default 1.
	OutputChannels int `yaml:"output_channels"`
}

// KnowledgeConfig selects the knowledge source.
type KnowledgeConfig struct {
	// Source is builtin, yaml or postgres. Default builtin.
	Source KnowledgeSource `yaml:"source"`

	// Path of the snapshot file when Source is yaml.
	Path string `yaml:"path"`

	// PostgresDSN when Source is postgres. Usually supplied through
	// WECALL_DATABASE_URL.
	PostgresDSN string `yaml:"postgres_dsn"`

	// OrderLimit caps how many recent orders are loaded. Default 20.
	OrderLimit int `yaml:"order_limit"`
}
