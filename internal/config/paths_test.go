package config

import (
	"path/filepath"
	"testing"
)

func TestConfigPathsRespectXDGDirs(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("XDG_STATE_HOME", tmp)

	got, err := GlobalConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if want := filepath.Join(tmp, "scopeflow", "config.toml"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got, err = CredentialsPath()
	if err != nil {
		t.Fatalf("credentials path: %v", err)
	}
	if want := filepath.Join(tmp, "scopeflow", "credentials.toml"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got, err = StateDir()
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if want := filepath.Join(tmp, "scopeflow"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
