package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all careerly client configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Agent API endpoint
	API APIConfig `yaml:"api"`

	// Streaming behaviour
	Stream StreamConfig `yaml:"stream"`

	// Bearer credential sources
	Auth AuthConfig `yaml:"auth"`

	// Transcript storage and sharing
	Transcripts TranscriptConfig `yaml:"transcripts"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig locates the agent streaming endpoint.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	AskPath string `yaml:"ask_path"`
}

// StreamConfig configures the SSE transport.
type StreamConfig struct {
	WithAuth          bool   `yaml:"with_auth"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	FirstFrameTimeout string `yaml:"first_frame_timeout"` // empty = wait forever
	IdleTimeout       string `yaml:"idle_timeout"`        // empty = wait forever
}

// AuthConfig lists where the access token may come from, in priority order:
// inline token, environment variable, token file.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
}

// TranscriptConfig configures the transcript store.
type TranscriptConfig struct {
	DatabasePath string `yaml:"database_path"`
	ShareBaseURL string `yaml:"share_base_url"`
}

// DefaultDir returns ~/.careerly, falling back to ./.careerly.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".careerly"
	}
	return filepath.Join(home, ".careerly")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "careerly",
		Version: "2.0.0",

		API: APIConfig{
			BaseURL: "http://localhost:8787",
			AskPath: "/api/agent/stream",
		},

		Stream: StreamConfig{
			WithAuth:       true,
			ConnectTimeout: "15s",
		},

		Auth: AuthConfig{
			TokenEnv:  "CAREERLY_ACCESS_TOKEN",
			TokenFile: "~/.careerly/token",
		},

		Transcripts: TranscriptConfig{
			DatabasePath: "~/.careerly/transcripts.db",
			ShareBaseURL: "https://careerly.co.kr/share/",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if u := os.Getenv("CAREERLY_API_URL"); u != "" {
		c.API.BaseURL = u
	}
	if tok := os.Getenv("CAREERLY_ACCESS_TOKEN"); tok != "" {
		c.Auth.Token = tok
	}
	if path := os.Getenv("CAREERLY_DB"); path != "" {
		c.Transcripts.DatabasePath = path
	}
	if v := os.Getenv("CAREERLY_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// AskURL builds the streaming endpoint URL for a question.
func (c *Config) AskURL(question string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.API.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid api base_url: %w", err)
	}
	ref, err := url.Parse(strings.TrimLeft(c.API.AskPath, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid api ask_path: %w", err)
	}
	u := base.ResolveReference(ref)
	q := u.Query()
	q.Set("q", question)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetConnectTimeout returns the connect timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.Stream.ConnectTimeout, 15*time.Second)
}

// GetFirstFrameTimeout returns the first-frame timeout; zero means none.
func (c *Config) GetFirstFrameTimeout() time.Duration {
	return parseDuration(c.Stream.FirstFrameTimeout, 0)
}

// GetIdleTimeout returns the idle timeout; zero means none.
func (c *Config) GetIdleTimeout() time.Duration {
	return parseDuration(c.Stream.IdleTimeout, 0)
}

// DatabasePath returns the transcript database path with ~ expanded.
func (c *Config) DatabasePath() string {
	return ExpandHome(c.Transcripts.DatabasePath)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api base_url %q (set CAREERLY_API_URL or api.base_url)", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported api base_url scheme: %s", u.Scheme)
	}

	for name, v := range map[string]string{
		"stream.connect_timeout":     c.Stream.ConnectTimeout,
		"stream.first_frame_timeout": c.Stream.FirstFrameTimeout,
		"stream.idle_timeout":        c.Stream.IdleTimeout,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", name, v)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s (valid: text, json)", c.Logging.Format)
	}

	return nil
}
