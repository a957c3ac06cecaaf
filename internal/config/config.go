package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const Version = "0.1.0"

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	GitHubToken string `toml:"github_token"`
	AgentAPIKey string `toml:"agent_api_key"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	// Warn on insecure permissions (anything beyond owner read/write).
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	LogLevel string `toml:"log_level"`

	Server  ServerConfig  `toml:"server"`
	Tracker TrackerConfig `toml:"tracker"`
	Agent   AgentConfig   `toml:"agent"`
	Session SessionConfig `toml:"session"`
}

type ServerConfig struct {
	// Addr is where the daemon's HTTP API listens. State is held in
	// memory by the daemon, so the CLI talks to this address.
	Addr string `toml:"addr"`
}

type TrackerConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

type AgentConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type SessionConfig struct {
	// TTL is how long an untouched session survives before the sweep
	// removes it.
	TTL string `toml:"ttl"`
	// SweepSchedule is a cron expression for the periodic sweep.
	SweepSchedule string `toml:"sweep_schedule"`
	// HTTPTimeout bounds every outbound call to the tracker and agent.
	HTTPTimeout string `toml:"http_timeout"`
}

// Load reads the config file, layers credentials.toml and environment
// variables on top, applies defaults, and validates the result.
// The file may be absent: everything has a default except credentials.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	fileToken := cfg.Tracker.Token
	fileKey := cfg.Agent.APIKey
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	warnSecretsInFile(fileToken, fileKey)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8740"
	}
	if cfg.Tracker.BaseURL == "" {
		cfg.Tracker.BaseURL = "https://api.github.com"
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "https://api.devin.ai"
	}
	if cfg.Session.TTL == "" {
		cfg.Session.TTL = "24h"
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@hourly"
	}
	if cfg.Session.HTTPTimeout == "" {
		cfg.Session.HTTPTimeout = "30s"
	}
}

// applyCredentialsAndEnv merges secrets from credentials.toml and then
// from environment variables. Priority (highest to lowest):
// env > credentials.toml > config file.
func applyCredentialsAndEnv(cfg *Config) {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil {
		if creds.GitHubToken != "" {
			cfg.Tracker.Token = creds.GitHubToken
		}
		if creds.AgentAPIKey != "" {
			cfg.Agent.APIKey = creds.AgentAPIKey
		}
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Tracker.Token = v
	}
	if v := os.Getenv("AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
}

// warnSecretsInFile warns only when a secret was literally written in
// config.toml, not when it came from credentials.toml or the environment.
func warnSecretsInFile(trackerToken, agentKey string) {
	if trackerToken != "" {
		slog.Warn("tracker token found in config file; prefer credentials.toml or GITHUB_TOKEN env var")
	}
	if agentKey != "" {
		slog.Warn("agent api key found in config file; prefer credentials.toml or AGENT_API_KEY env var")
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	ttl, err := time.ParseDuration(cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("invalid session.ttl %q: %w", cfg.Session.TTL, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %q", cfg.Session.TTL)
	}
	if _, err := time.ParseDuration(cfg.Session.HTTPTimeout); err != nil {
		return fmt.Errorf("invalid session.http_timeout %q: %w", cfg.Session.HTTPTimeout, err)
	}
	return nil
}

// SessionTTL returns the parsed TTL. Call after Load has validated it.
func (c *Config) SessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.Session.TTL)
	return d
}

// HTTPTimeout returns the parsed outbound request timeout.
func (c *Config) HTTPTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Session.HTTPTimeout)
	return d
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
