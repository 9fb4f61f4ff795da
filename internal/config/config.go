package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ConfigBackend is the platform store for non-secret keys: UserDefaults on
// macOS, a YAML file elsewhere. Getters report ok=false for unset keys.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

type Config struct {
	Server     ServerConfig
	Owner      OwnerConfig
	Storage    StorageConfig
	Log        LogConfig
	Capture    CaptureConfig
	Live       LiveConfig
	Transcribe TranscribeConfig
	Categorize CategorizeConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	Persist    PersistConfig
	Enrich     EnrichConfig
	Inbox      InboxConfig
}

type ServerConfig struct {
	Port int
}

type OwnerConfig struct {
	ID string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// CaptureConfig describes the microphone recorder. Recorder is a command
// line that writes 16 kHz mono PCM to stdout; empty uses arecord.
type CaptureConfig struct {
	Recorder    string
	MaxDuration time.Duration
	FinalWait   time.Duration
}

// LiveConfig points at the on-device speech recognizer. An empty Address
// disables live transcription.
type LiveConfig struct {
	Address string
	Locale  string
}

type TranscribeConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type CategorizeConfig struct {
	Backend string
	Model   string
	Timeout time.Duration
}

type OllamaConfig struct {
	BaseURL string
}

type OpenRouterConfig struct {
	APIKey string
}

type PersistConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

type EnrichConfig struct {
	Enabled bool
}

// InboxConfig enables the audio drop folder when Dir is set.
type InboxConfig struct {
	Dir     string
	Pattern string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Owner:   OwnerConfig{ID: defaultOwner()},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Capture: CaptureConfig{
			MaxDuration: 10 * time.Minute,
			FinalWait:   1500 * time.Millisecond,
		},
		Live: LiveConfig{Locale: "en-US"},
		Transcribe: TranscribeConfig{
			Model:   "whisper-1",
			Timeout: 60 * time.Second,
		},
		Categorize: CategorizeConfig{
			Backend: "ollama",
			Model:   "llama3.2",
			Timeout: 4 * time.Second,
		},
		Ollama:  OllamaConfig{BaseURL: "http://localhost:11434"},
		Persist: PersistConfig{MaxAttempts: 3, Backoff: 500 * time.Millisecond},
		Enrich:  EnrichConfig{Enabled: true},
		Inbox:   InboxConfig{Pattern: "**/*.{wav,mp3,m4a,ogg,webm,flac}"},
	}
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.voxnote.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/voxnote/config.yaml
// and secrets come from the environment or $XDG_DATA_HOME/voxnote/secrets.yaml.
//
// Environment variables (VOXNOTE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secret keys the environment left empty from the keychain.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(serviceName, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func (c Config) validate() error {
	switch c.Categorize.Backend {
	case "ollama", "openrouter":
	default:
		return fmt.Errorf("invalid categorize.backend %q: want ollama or openrouter", c.Categorize.Backend)
	}
	if c.Categorize.Backend == "openrouter" && c.OpenRouter.APIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. "+
			"Set it via environment variable VOXNOTE_OPENROUTER_API_KEY%s", apiKeyHint())
	}
	if strings.TrimSpace(c.Owner.ID) == "" {
		return fmt.Errorf("owner.id must not be empty")
	}
	if c.Persist.MaxAttempts < 1 {
		return fmt.Errorf("persist.max_attempts must be at least 1")
	}
	return nil
}
