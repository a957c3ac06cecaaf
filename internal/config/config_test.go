package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp) // keep real credentials.toml out of the test

	cfg, err := Load(filepath.Join(tmp, "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8740" {
		t.Fatalf("unexpected default addr %q", cfg.Server.Addr)
	}
	if cfg.Tracker.BaseURL != "https://api.github.com" {
		t.Fatalf("unexpected default tracker url %q", cfg.Tracker.BaseURL)
	}
	if cfg.SessionTTL().Hours() != 24 {
		t.Fatalf("unexpected default ttl %v", cfg.SessionTTL())
	}
	if cfg.Session.SweepSchedule != "@hourly" {
		t.Fatalf("unexpected default sweep schedule %q", cfg.Session.SweepSchedule)
	}
}

func TestLoadParsesFileValues(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	cfgPath := filepath.Join(tmp, "config.toml")

	content := `
log_level = "debug"

[server]
addr = "0.0.0.0:9000"

[tracker]
base_url = "https://github.internal/api/v3"

[session]
ttl = "48h"
sweep_schedule = "*/30 * * * *"
http_timeout = "10s"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr not read: %q", cfg.Server.Addr)
	}
	if cfg.Tracker.BaseURL != "https://github.internal/api/v3" {
		t.Fatalf("tracker url not read: %q", cfg.Tracker.BaseURL)
	}
	if cfg.SessionTTL().Hours() != 48 {
		t.Fatalf("ttl not read: %v", cfg.SessionTTL())
	}
	if cfg.HTTPTimeout().Seconds() != 10 {
		t.Fatalf("timeout not read: %v", cfg.HTTPTimeout())
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("log level not mapped: %v", cfg.SlogLevel())
	}
}

func TestLoadEnvOverridesCredentialsFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	credsDir := filepath.Join(tmp, "scopeflow")
	if err := os.MkdirAll(credsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	creds := "github_token = \"from-file\"\nagent_api_key = \"key-from-file\"\n"
	if err := os.WriteFile(filepath.Join(credsDir, "credentials.toml"), []byte(creds), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	t.Setenv("GITHUB_TOKEN", "from-env")
	t.Setenv("AGENT_API_KEY", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracker.Token != "from-env" {
		t.Fatalf("env must win, got %q", cfg.Tracker.Token)
	}
	if cfg.Agent.APIKey != "key-from-file" {
		t.Fatalf("credentials file must apply when env is empty, got %q", cfg.Agent.APIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	cfgPath := filepath.Join(tmp, "config.toml")

	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad log level", "log_level = \"loud\"\n", "log_level"},
		{"bad ttl", "[session]\nttl = \"soon\"\n", "session.ttl"},
		{"negative ttl", "[session]\nttl = \"-1h\"\n", "session.ttl"},
		{"bad timeout", "[session]\nhttp_timeout = \"fast\"\n", "http_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := os.WriteFile(cfgPath, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(cfgPath)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSaveAndLoadCredentialsRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	if err := SaveCredentials(&Credentials{GitHubToken: "tok", AgentAPIKey: "key"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, err := CredentialsPath()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %04o", perm)
	}
	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if creds.GitHubToken != "tok" || creds.AgentAPIKey != "key" {
		t.Fatalf("round trip failed: %+v", creds)
	}
}
