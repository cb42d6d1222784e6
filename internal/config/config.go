// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Admin        AdminConfig        `yaml:"admin"`
	Chat         ChatConfig         `yaml:"chat"`
	Models       ModelsConfig       `yaml:"models"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Weather      WeatherConfig      `yaml:"weather"`
	Scores       ScoresConfig       `yaml:"scores"`
	Search       SearchConfig       `yaml:"search"`
	ImageGen     ImageGenConfig     `yaml:"imagegen"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// AdminConfig defines the local administration server settings.
type AdminConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`    // Default: 8311
}

// ChatConfig defines the chat-platform gateway connection.
type ChatConfig struct {
	GatewayURL string `yaml:"gateway_url"` // WebSocket URL of the chat gateway
	Token      string `yaml:"token"`       // Gateway auth token
	HTMLBody   bool   `yaml:"html_body"`   // Also send an HTML rendering of answers
}

// MQTTConfig defines the optional narration publisher. When Broker is
// empty the publisher is disabled.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicRoot  string `yaml:"topic_root"`  // Default: "parley"
	DeviceName string `yaml:"device_name"` // Default: hostname
}

// ModelsConfig defines language-model provider settings.
type ModelsConfig struct {
	Provider        string `yaml:"provider"` // ollama or openai
	Default         string `yaml:"default"`
	OllamaURL       string `yaml:"ollama_url"`
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"` // Override for OpenAI-compatible endpoints
	PersonaFile     string `yaml:"persona_file"`
	RefineTimeout   int    `yaml:"refine_timeout_sec"`     // Budget for retry-refinement calls
	FinalTimeout    int    `yaml:"final_pass_timeout_sec"` // Budget for final-pass calls
	RefineMaxTokens int    `yaml:"refine_max_tokens"`
}

// RefineTimeoutOrDefault returns the refinement call budget.
func (m ModelsConfig) RefineTimeoutOrDefault() time.Duration {
	if m.RefineTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(m.RefineTimeout) * time.Second
}

// FinalTimeoutOrDefault returns the final-pass call budget.
func (m ModelsConfig) FinalTimeoutOrDefault() time.Duration {
	if m.FinalTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.FinalTimeout) * time.Second
}

// WeatherConfig defines the weather capability's upstream endpoints.
type WeatherConfig struct {
	GeocodeURL  string `yaml:"geocode_url"`  // Default: Open-Meteo geocoding API
	ForecastURL string `yaml:"forecast_url"` // Default: Open-Meteo forecast API
}

// ScoresConfig defines the sports-scores capability settings.
type ScoresConfig struct {
	BaseURL     string `yaml:"base_url"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"` // Default: 60
}

// SearchConfig defines the web-search capability settings.
type SearchConfig struct {
	BaseURL    string `yaml:"base_url"` // SearXNG instance URL
	MaxResults int    `yaml:"max_results"`
}

// ImageGenConfig defines the image-generation capability settings.
type ImageGenConfig struct {
	Model string `yaml:"model"` // Default: dall-e-3
	Size  string `yaml:"size"`  // Default: 1024x1024
}

// CapabilityConfig defines one user-triggerable keyword and how its
// request is driven: which API category it targets, the per-call
// timeout, whether the raw result gets a conversational final pass,
// and the optional input-repair retry policy. Immutable for the
// lifetime of a routed request.
type CapabilityConfig struct {
	Name         string       `yaml:"name"` // The trigger keyword
	API          string       `yaml:"api"`  // Target API category
	TimeoutSec   int          `yaml:"timeout_sec"`
	FinalPass    bool         `yaml:"final_pass"`
	HistoryDepth *DepthRange  `yaml:"history_depth"`
	Retry        *RetryPolicy `yaml:"retry"`
}

// Timeout returns the per-call budget for this capability's own API.
func (c CapabilityConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// DepthRange bounds how many prior conversation turns a final pass
// may see.
type DepthRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// RetryPolicy enables LLM-assisted input repair for recoverable
// failures.
type RetryPolicy struct {
	Enabled     bool   `yaml:"enabled"`
	MaxRetries  int    `yaml:"max_retries"`
	Model       string `yaml:"model"`       // Repair model; empty uses the default
	Instruction string `yaml:"instruction"` // Extra guidance for the repair prompt
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Capabilities))
	for i, cap := range c.Capabilities {
		if cap.Name == "" {
			return fmt.Errorf("capability %d: name is required", i)
		}
		if seen[cap.Name] {
			return fmt.Errorf("capability %q: duplicate name", cap.Name)
		}
		seen[cap.Name] = true
		if cap.API == "" {
			return fmt.Errorf("capability %q: api is required", cap.Name)
		}
		if cap.Retry != nil && cap.Retry.Enabled && cap.Retry.MaxRetries <= 0 {
			return fmt.Errorf("capability %q: retry enabled with max_retries <= 0", cap.Name)
		}
		if d := cap.HistoryDepth; d != nil && d.Max > 0 && d.Min > d.Max {
			return fmt.Errorf("capability %q: history_depth min > max", cap.Name)
		}
	}
	return nil
}

// Capability looks up a capability by keyword. Returns nil when the
// keyword is unknown.
func (c *Config) Capability(name string) *CapabilityConfig {
	for i := range c.Capabilities {
		if c.Capabilities[i].Name == name {
			return &c.Capabilities[i]
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{Address: "127.0.0.1", Port: 8311},
		Models: ModelsConfig{
			Provider:  "ollama",
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		ImageGen: ImageGenConfig{Model: "dall-e-3", Size: "1024x1024"},
		Scores:   ScoresConfig{CacheTTLSec: 60},
		Search:   SearchConfig{MaxResults: 5},
		Capabilities: []CapabilityConfig{
			{
				Name:       "weather",
				API:        "weather",
				TimeoutSec: 20,
				FinalPass:  true,
				Retry:      &RetryPolicy{Enabled: true, MaxRetries: 2},
			},
			{
				Name:       "scores",
				API:        "scores",
				TimeoutSec: 20,
				FinalPass:  true,
			},
			{
				Name:       "image",
				API:        "imagegen",
				TimeoutSec: 90,
			},
			{
				Name:       "search",
				API:        "search",
				TimeoutSec: 20,
				FinalPass:  true,
			},
			{
				Name:       "chat",
				API:        "languagemodel",
				TimeoutSec: 60,
			},
		},
	}
}
