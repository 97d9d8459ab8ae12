// ABOUTME: Configuration loading and parsing for chatrelay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete chatrelay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" toml:"ratelimit"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	Chat       ChatConfig       `yaml:"chat" toml:"chat"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC transport
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin"`

	ReadHeaderTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTP over TLS with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go), "sqlite3" (cgo), or "memory"
	Path   string `yaml:"path" toml:"path"`
}

// RateLimitConfig holds admission gate configuration
type RateLimitConfig struct {
	ChatLimit      int  `yaml:"chat_limit" toml:"chat_limit"`
	APILimit       int  `yaml:"api_limit" toml:"api_limit"`
	TrustForwarded bool `yaml:"trust_forwarded" toml:"trust_forwarded"`

	Window        time.Duration `yaml:"-" toml:"-"`
	IdleTTL       time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WindowRaw        string `yaml:"window" toml:"window"`
	IdleTTLRaw       string `yaml:"idle_ttl" toml:"idle_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// GenerationConfig selects and configures the generation backend
type GenerationConfig struct {
	Provider     string `yaml:"provider" toml:"provider"` // echo, openai, anthropic
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Model        string `yaml:"model" toml:"model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens" toml:"max_tokens"`

	Timeout   time.Duration `yaml:"-" toml:"-"`
	EchoDelay time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	EchoDelayRaw string `yaml:"echo_delay" toml:"echo_delay"`
}

// ChatConfig holds message handling limits
type ChatConfig struct {
	MaxMessageLength int `yaml:"max_message_length" toml:"max_message_length"`
	HistoryLimit     int `yaml:"history_limit" toml:"history_limit"` // 0 sends the whole conversation
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:             "localhost:8080",
			GRPCAddr:             "localhost:50051",
			CORSOrigin:           "*",
			ReadHeaderTimeout:    10 * time.Second,
			ReadHeaderTimeoutRaw: "10s",
		},
		Tailscale: TailscaleConfig{
			Hostname: "chatrelay",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "chatrelay.db",
		},
		RateLimit: RateLimitConfig{
			ChatLimit:        10,
			APILimit:         100,
			TrustForwarded:   true,
			Window:           time.Minute,
			IdleTTL:          time.Hour,
			SweepInterval:    time.Hour,
			WindowRaw:        "1m",
			IdleTTLRaw:       "1h",
			SweepIntervalRaw: "1h",
		},
		Generation: GenerationConfig{
			Provider:   "echo",
			MaxTokens:  4096,
			Timeout:    2 * time.Minute,
			TimeoutRaw: "2m",
		},
		Chat: ChatConfig{
			MaxMessageLength: 2000,
			HistoryLimit:     0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Values not present in the file keep their Default.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatFor(path))
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes configuration data in the given format.
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Encode serializes cfg in the given format.
func Encode(cfg *Config, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Write saves cfg to path, choosing the format from the extension.
func Write(cfg *Config, path string) error {
	data, err := Encode(cfg, formatFor(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	header := "# chatrelay configuration\n# Values of the form ${VAR} are read from the environment.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, sqlite3, or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.RateLimit.ChatLimit <= 0 {
		return fmt.Errorf("ratelimit.chat_limit must be positive")
	}
	if c.RateLimit.APILimit <= 0 {
		return fmt.Errorf("ratelimit.api_limit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}

	switch strings.ToLower(c.Generation.Provider) {
	case "echo":
	case "openai":
	case "anthropic":
		if c.Generation.APIKey == "" {
			return fmt.Errorf("generation.api_key is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("generation.provider must be echo, openai, or anthropic, got %q", c.Generation.Provider)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be positive")
	}

	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be positive")
	}
	if c.Chat.HistoryLimit < 0 {
		return fmt.Errorf("chat.history_limit must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"ratelimit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"ratelimit.idle_ttl", cfg.RateLimit.IdleTTLRaw, &cfg.RateLimit.IdleTTL},
		{"ratelimit.sweep_interval", cfg.RateLimit.SweepIntervalRaw, &cfg.RateLimit.SweepInterval},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"generation.echo_delay", cfg.Generation.EchoDelayRaw, &cfg.Generation.EchoDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
