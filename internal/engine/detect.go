package engine

import (
	"fmt"

	"github.com/kalambet/voxnote/internal/openrouter"
)

const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend           string
	OllamaBaseURL     string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string // empty for the public API
}

// Detect returns the Engine for the configured backend. An empty backend
// selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter backend selected but openrouter.api_key is not set")
		}
		client := openrouter.NewClient(cfg.OpenRouterAPIKey)
		if cfg.OpenRouterBaseURL != "" {
			client = openrouter.NewClientWithBaseURL(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
		}
		return NewOpenRouterEngine(client), nil
	default:
		return nil, fmt.Errorf("unknown categorization backend %q", cfg.Backend)
	}
}
