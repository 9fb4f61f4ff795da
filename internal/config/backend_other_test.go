//go:build !darwin

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxnote", "config.yaml")

	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("inbox.dir", "/srv/inbox"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 4300 {
		t.Errorf("server.port = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reloaded.GetString("inbox.dir"); !ok || v != "/srv/inbox" {
		t.Errorf("inbox.dir = %q, %v", v, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	if err := reloaded.Delete("inbox.dir"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetString("inbox.dir"); ok {
		t.Error("inbox.dir still set after Delete")
	}
}

func TestFileBackend_HandWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server.port: 4200\nenrich.enabled: false\ncategorize.timeout: 2s\n"), 0o600)

	cfg, err := loadWith(newFileBackend(path), newMockKeychain())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4200 || cfg.Enrich.Enabled || cfg.Categorize.Timeout.String() != "2s" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestFileBackend_MalformedFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server.port: [unclosed\n"), 0o600)

	if _, ok, _ := newFileBackend(path).GetInt("server.port"); ok {
		t.Error("malformed file should be ignored")
	}
}

func TestConfigFilePath_Override(t *testing.T) {
	t.Setenv("VOXNOTE_CONFIG_FILE", "/tmp/custom.yaml")
	if got := configFilePath(); got != "/tmp/custom.yaml" {
		t.Errorf("configFilePath = %q", got)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	kc := NewKeychain()

	if _, err := kc.Get(serviceName, "openrouter.api_key"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get before Set = %v, want ErrSecretNotFound", err)
	}
	if err := kc.Set(serviceName, "openrouter.api_key", "sk-or-1\n"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := kc.Get(serviceName, "openrouter.api_key"); err != nil || v != "sk-or-1" {
		t.Errorf("Get = %q, %v", v, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	if err := kc.Delete(serviceName, "openrouter.api_key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kc.Get(serviceName, "openrouter.api_key"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
}

func TestGetAPIToken_UnreadableSecretsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	os.MkdirAll(filepath.Join(dir, "voxnote"), 0o700)
	os.WriteFile(secretsFilePath(), []byte("voxnote: [broken\n"), 0o600)

	_, err := GetAPIToken(NewKeychain())
	if err == nil || !strings.Contains(err.Error(), "reading api token") {
		t.Errorf("error = %v, want read failure instead of a new token", err)
	}
}
