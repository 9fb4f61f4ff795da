package engine

import "context"

// Engine abstracts an inference backend used for structured categorization
// (a local Ollama server or the hosted OpenRouter API). Consumers depend on
// this interface instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's reply.
	// When jsonSchema is non-nil, output constrained to that schema is requested.
	// Reply.Model is the model the backend reports having used.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
