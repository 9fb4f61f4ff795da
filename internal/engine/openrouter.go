package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/voxnote/internal/openrouter"
)

// OpenRouterEngine adapts the OpenRouter chat client to the Engine interface.
// Structured output is requested with a strict json_schema response format.
type OpenRouterEngine struct {
	client *openrouter.Client
}

func NewOpenRouterEngine(client *openrouter.Client) *OpenRouterEngine {
	return &OpenRouterEngine{client: client}
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	req := openrouter.ChatRequest{
		Model:    model,
		Messages: make([]openrouter.Message, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openrouter.Message{Role: m.Role, Content: m.Content}
	}
	if jsonSchema != nil {
		raw, err := json.Marshal(jsonSchema)
		if err != nil {
			return Reply{}, fmt.Errorf("marshaling schema: %w", err)
		}
		zero := 0.0
		req.Temperature = &zero
		req.ResponseFormat = &openrouter.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openrouter.JSONSchema{
				Name:   "structured_output",
				Strict: true,
				Schema: raw,
			},
		}
	}

	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("chat: response has no choices")
	}
	return Reply{Content: resp.Content(), Model: resp.Model}, nil
}

// IsRunning reports whether an API key is set and the models endpoint answers.
func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	if !e.client.HasKey() {
		return false
	}
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.ID == name {
			return true
		}
	}
	return false
}

// PullModel is not supported: hosted models cannot be downloaded.
func (e *OpenRouterEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("model %s is not offered by OpenRouter", name)
}
