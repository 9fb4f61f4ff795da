//go:build darwin

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.voxnote.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "voxnote")
	}
	return "voxnote-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: voxnote, account: openrouter.api_key)"
}

// darwinBackend stores keys in UserDefaults through the defaults CLI, so
// values set here are visible to `defaults read com.voxnote.app`.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// errNoDefault marks a key that is not present in the domain; defaults
// exits with status 1 in that case.
var errNoDefault = errors.New("no such default")

func (b *darwinBackend) defaults(verb, key string, args ...string) (string, error) {
	argv := append([]string{verb, b.domain, key}, args...)
	var stderr bytes.Buffer
	cmd := exec.Command("defaults", argv...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
		return "", errNoDefault
	}
	if err != nil {
		return "", fmt.Errorf("defaults %s %s: %w: %s", verb, key, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	s, err := b.defaults("read", key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, err := b.defaults("write", key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, err := b.defaults("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, err := b.defaults("delete", key)
	if errors.Is(err, errNoDefault) {
		return nil
	}
	return err
}
