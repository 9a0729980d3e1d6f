package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Dana-Harb/brewrelay/internal/config"
)

const minimalYAML = `
upstream:
  api_key: sk-test
  url: wss://api.openai.com/v1/realtime
`

func TestLoadFromReader_MinimalConfigGetsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Upstream.Model != "gpt-4o-realtime-preview" {
		t.Errorf("model: got %q, want gpt-4o-realtime-preview", cfg.Upstream.Model)
	}
	if cfg.Upstream.Voice != "alloy" {
		t.Errorf("voice: got %q, want alloy", cfg.Upstream.Voice)
	}
	if cfg.Upstream.TranscriptionModel != "whisper-1" {
		t.Errorf("transcription_model: got %q, want whisper-1", cfg.Upstream.TranscriptionModel)
	}
	if cfg.Upstream.MaxRetries != 3 {
		t.Errorf("max_retries: got %d, want 3", cfg.Upstream.MaxRetries)
	}
	if cfg.Upstream.RetryDelay.Std() != 2*time.Second {
		t.Errorf("retry_delay: got %v, want 2s", cfg.Upstream.RetryDelay.Std())
	}
	if cfg.Relay.StopDebounce.Std() != 600*time.Millisecond {
		t.Errorf("stop_debounce: got %v, want 600ms", cfg.Relay.StopDebounce.Std())
	}
	if !strings.Contains(cfg.Upstream.Instructions, "coffee") {
		t.Errorf("default instructions should describe the coffee persona, got %q", cfg.Upstream.Instructions)
	}
}

func TestLoadFromReader_ParsesDurations(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  api_key: sk-test
  url: wss://example.com/realtime
  retry_delay: 500ms
relay:
  stop_debounce: 1s
  cancel_on_any_speech: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.RetryDelay.Std() != 500*time.Millisecond {
		t.Errorf("retry_delay: got %v, want 500ms", cfg.Upstream.RetryDelay.Std())
	}
	if cfg.Relay.StopDebounce.Std() != time.Second {
		t.Errorf("stop_debounce: got %v, want 1s", cfg.Relay.StopDebounce.Std())
	}
	if !cfg.Relay.CancelOnAnySpeech {
		t.Error("cancel_on_any_speech should be true")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  api_key: sk-test
  url: wss://example.com/realtime
relay:
  stop_debounce: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("error should mention duration, got: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  api_key: sk-test
  url: wss://example.com/realtime
  tempo: fast
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_RequiresAPIKeyAndURL(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`server: {listen_addr: ":9090"}`))
	if err == nil {
		t.Fatal("expected error for missing upstream settings, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
	if !strings.Contains(err.Error(), "url") {
		t.Errorf("error should mention url, got: %v", err)
	}
}

func TestValidate_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  api_key: sk-test
  url: ftp://example.com/realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for ftp scheme, got nil")
	}
	if !strings.Contains(err.Error(), "scheme") {
		t.Errorf("error should mention scheme, got: %v", err)
	}
}

func TestValidate_AcceptsHTTPSURL(t *testing.T) {
	t.Parallel()

	// Azure deployment URIs arrive with an https scheme; the connector
	// normalises them, so validation must accept them.
	yaml := `
upstream:
  api_key: sk-test
  url: https://myres.openai.azure.com/openai/realtime?api-version=2024-10-01
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
upstream:
  api_key: sk-test
  url: wss://example.com/realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/brewrelay/tls.crt
upstream:
  api_key: sk-test
  url: wss://example.com/realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tls without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}
