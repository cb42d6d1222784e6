package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
models:
  provider: openai
  default: gpt-4o-mini
capabilities:
  - name: weather
    api: weather
    timeout_sec: 10
    final_pass: true
    retry:
      enabled: true
      max_retries: 2
      instruction: "Fix the location name."
  - name: image
    api: imagegen
    timeout_sec: 90
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Models.Provider != "openai" {
		t.Errorf("Models.Provider = %q, want %q", cfg.Models.Provider, "openai")
	}

	w := cfg.Capability("weather")
	if w == nil {
		t.Fatal("Capability(weather) = nil")
	}
	if w.Timeout() != 10*time.Second {
		t.Errorf("weather Timeout() = %v, want 10s", w.Timeout())
	}
	if w.Retry == nil || !w.Retry.Enabled || w.Retry.MaxRetries != 2 {
		t.Errorf("weather Retry = %+v, want enabled with 2 retries", w.Retry)
	}

	if got := cfg.Capability("nope"); got != nil {
		t.Errorf("Capability(nope) = %+v, want nil", got)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
models:
  provider: openai
  openai_key: ${PARLEY_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Models.OpenAIKey != "sk-secret" {
		t.Errorf("OpenAIKey = %q, want expanded env value", cfg.Models.OpenAIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cap     CapabilityConfig
		wantErr bool
	}{
		{name: "valid", cap: CapabilityConfig{Name: "weather", API: "weather"}},
		{name: "missing name", cap: CapabilityConfig{API: "weather"}, wantErr: true},
		{name: "missing api", cap: CapabilityConfig{Name: "weather"}, wantErr: true},
		{
			name:    "retry without ceiling",
			cap:     CapabilityConfig{Name: "weather", API: "weather", Retry: &RetryPolicy{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "inverted depth range",
			cap:     CapabilityConfig{Name: "weather", API: "weather", HistoryDepth: &DepthRange{Min: 5, Max: 2}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Capabilities: []CapabilityConfig{tt.cap}}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	cfg := &Config{Capabilities: []CapabilityConfig{
		{Name: "weather", API: "weather"},
		{Name: "weather", API: "scores"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want duplicate-name error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: "trace", want: LevelTrace},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: " warn ", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}
