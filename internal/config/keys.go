package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VOXNOTE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "owner.id", typ: kString, env: "VOXNOTE_OWNER_ID",
		apply:   func(cfg *Config, v any) { cfg.Owner.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Owner.ID },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VOXNOTE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "VOXNOTE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "capture.recorder", typ: kString, env: "VOXNOTE_CAPTURE_RECORDER",
		apply:   func(cfg *Config, v any) { cfg.Capture.Recorder = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.Recorder },
	},
	{
		key: "capture.max_duration", typ: kDuration, env: "VOXNOTE_CAPTURE_MAX_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Capture.MaxDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.MaxDuration },
	},
	{
		key: "capture.final_wait", typ: kDuration, env: "VOXNOTE_CAPTURE_FINAL_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Capture.FinalWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.FinalWait },
	},
	{
		key: "live.address", typ: kString, env: "VOXNOTE_LIVE_ADDRESS",
		apply:   func(cfg *Config, v any) { cfg.Live.Address = v.(string) },
		extract: func(cfg Config) any { return cfg.Live.Address },
	},
	{
		key: "live.locale", typ: kString, env: "VOXNOTE_LIVE_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.Live.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.Live.Locale },
	},
	{
		key: "transcribe.base_url", typ: kString, env: "VOXNOTE_TRANSCRIBE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.BaseURL },
	},
	{
		key: "transcribe.model", typ: kString, env: "VOXNOTE_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.Model },
	},
	{
		key: "transcribe.api_key", typ: kString, env: "VOXNOTE_TRANSCRIBE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Transcribe.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.APIKey },
	},
	{
		key: "transcribe.timeout", typ: kDuration, env: "VOXNOTE_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcribe.Timeout },
	},
	{
		key: "categorize.backend", typ: kString, env: "VOXNOTE_CATEGORIZE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Categorize.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Categorize.Backend },
	},
	{
		key: "categorize.model", typ: kString, env: "VOXNOTE_CATEGORIZE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Categorize.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Categorize.Model },
	},
	{
		key: "categorize.timeout", typ: kDuration, env: "VOXNOTE_CATEGORIZE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Categorize.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Categorize.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "VOXNOTE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "VOXNOTE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "persist.max_attempts", typ: kInt, env: "VOXNOTE_PERSIST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Persist.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Persist.MaxAttempts },
	},
	{
		key: "persist.backoff", typ: kDuration, env: "VOXNOTE_PERSIST_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Persist.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Persist.Backoff },
	},
	{
		key: "enrich.enabled", typ: kBool, env: "VOXNOTE_ENRICH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Enrich.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Enrich.Enabled },
	},
	{
		key: "inbox.dir", typ: kString, env: "VOXNOTE_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Dir },
	},
	{
		key: "inbox.pattern", typ: kString, env: "VOXNOTE_INBOX_PATTERN",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Pattern = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Pattern },
	},
}

// parse converts raw into the Go type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := s.parse(v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
