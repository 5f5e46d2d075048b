package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the Gemini Live connection. These mirror the Cloud Run
// deployment defaults and can all be overridden via config file or environment.
const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/" +
		"google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel      = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultOAuthScope = "https://www.googleapis.com/auth/generative-language"

	DefaultSystemInstruction = "A warm, rounded, and friendly male cartoon voice. The character sounds like a chubby, honest piggy. " +
		"The tone is soft, slightly deep but very cute, not scary. The speaking pace is relaxed and slightly slow, " +
		"giving a feeling of being thoughtful and trustworthy. It has a tiny bit of nasal resonance (to hint at " +
		"being a pig) but remains very clear and pleasant to listen to. Think of a mix between Winnie the Pooh and " +
		"Baymax. It sounds optimistic, patient, and soothing for children. Please respond to the child."
)

// Config represents the complete gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the inbound HTTP/WebSocket server configuration
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// GeminiConfig contains the upstream Gemini Live connection configuration
type GeminiConfig struct {
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	SystemInstruction string `yaml:"system_instruction"`
	OAuthScope        string `yaml:"oauth_scope"`

	// AccessToken, when set, bypasses OAuth entirely and is sent as-is.
	AccessToken string `yaml:"access_token"`

	// APIKey is recognized so a misconfigured deployment fails with a clear
	// error: the Live WebSocket endpoint only accepts OAuth bearer tokens.
	APIKey string `yaml:"api_key"`
}

// RelayConfig contains relay engine tuning parameters
type RelayConfig struct {
	PendingAudioChunks int `yaml:"pending_audio_chunks"` // audio frames buffered before setup completes
	PingInterval       int `yaml:"ping_interval"`        // seconds between upstream keepalive pings
	PongTimeout        int `yaml:"pong_timeout"`         // seconds to wait for a pong before declaring the upstream dead
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Gemini: GeminiConfig{
			Endpoint:          DefaultEndpoint,
			Model:             DefaultModel,
			SystemInstruction: DefaultSystemInstruction,
			OAuthScope:        DefaultOAuthScope,
		},
		Relay: RelayConfig{
			PendingAudioChunks: 8,
			PingInterval:       20,
			PongTimeout:        20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides (applied in that order). An empty path means
// "no config file", which is the normal containerized deployment.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides maps the recognized environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GEMINI_WS_URL"); v != "" {
		c.Gemini.Endpoint = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv("GEMINI_SYSTEM_INSTRUCTION"); v != "" {
		c.Gemini.SystemInstruction = v
	}
	if v := os.Getenv("GEMINI_OAUTH_SCOPE"); v != "" {
		c.Gemini.OAuthScope = v
	}
	if v := os.Getenv("GEMINI_ACCESS_TOKEN"); v != "" {
		c.Gemini.AccessToken = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		// Deployments commonly spell this LOG_LEVEL=INFO
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Gemini.Validate(); err != nil {
		return fmt.Errorf("gemini config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates Gemini connection configuration
func (g *GeminiConfig) Validate() error {
	if g.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if g.OAuthScope == "" && g.AccessToken == "" {
		return fmt.Errorf("oauth_scope cannot be empty without a static access_token")
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.PendingAudioChunks < 1 {
		return fmt.Errorf("pending_audio_chunks must be at least 1, got %d", r.PendingAudioChunks)
	}

	if r.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", r.PingInterval)
	}

	if r.PongTimeout < 1 {
		return fmt.Errorf("pong_timeout must be at least 1 second, got %d", r.PongTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetPingInterval returns the upstream keepalive ping interval as a time.Duration
func (r *RelayConfig) GetPingInterval() time.Duration {
	return time.Duration(r.PingInterval) * time.Second
}

// GetPongTimeout returns the upstream pong timeout as a time.Duration
func (r *RelayConfig) GetPongTimeout() time.Duration {
	return time.Duration(r.PongTimeout) * time.Second
}
