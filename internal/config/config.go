// Package config provides the configuration schema and loader for the
// brewrelay server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the brewrelay server.
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

// Duration wraps time.Duration so YAML values like "600ms" parse with
// time.ParseDuration semantics.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for brewrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
}

// ServerConfig holds network and logging settings for the brewrelay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists origins accepted during the WebSocket upgrade.
	// Empty means same-origin only; "*" disables the origin check, which is
	// only appropriate behind a trusted proxy.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the realtime model service every relay session
// connects to.
type UpstreamConfig struct {
	// APIKey is the authentication key for the upstream service.
	APIKey string `yaml:"api_key"`

	// URL is the realtime WebSocket endpoint. https:// and http:// schemes
	// are rewritten to wss:// / ws://, so an Azure deployment URI can be
	// pasted in unchanged.
	URL string `yaml:"url"`

	// Model selects the realtime model (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the synthesis voice (e.g., "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the persona prompt sent in the session handshake.
	// Empty selects the built-in coffee-expert persona.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel transcribes the user's input audio (e.g., "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// MaxRetries bounds connection attempts when the upstream rate-limits.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the fixed wait between rate-limited attempts.
	RetryDelay Duration `yaml:"retry_delay"`
}

// RelayConfig tunes barge-in behaviour.
type RelayConfig struct {
	// StopDebounce is the minimum interval between accepted barge-ins.
	StopDebounce Duration `yaml:"stop_debounce"`

	// CancelOnAnySpeech cancels the in-flight response on every user speech
	// delta rather than only on stop phrases.
	CancelOnAnySpeech bool `yaml:"cancel_on_any_speech"`
}

// defaultInstructions is the persona used when upstream.instructions is empty.
const defaultInstructions = "You are a friendly and knowledgeable coffee expert. " +
	"You help with brewing methods, bean selection, grind sizes, brew ratios, and " +
	"finding good coffee shops. Keep answers concise and conversational; this is a " +
	"voice interface. Politely steer unrelated questions back to coffee."

// ApplyDefaults fills unset fields with their default values. It is called by
// [LoadFromReader] after decoding, before validation.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = "gpt-4o-realtime-preview"
	}
	if c.Upstream.Voice == "" {
		c.Upstream.Voice = "alloy"
	}
	if c.Upstream.Instructions == "" {
		c.Upstream.Instructions = defaultInstructions
	}
	if c.Upstream.TranscriptionModel == "" {
		c.Upstream.TranscriptionModel = "whisper-1"
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.RetryDelay <= 0 {
		c.Upstream.RetryDelay = Duration(2 * time.Second)
	}
	if c.Relay.StopDebounce <= 0 {
		c.Relay.StopDebounce = Duration(600 * time.Millisecond)
	}
}
