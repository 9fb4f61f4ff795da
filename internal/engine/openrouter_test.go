package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/voxnote/internal/openrouter"
)

func TestOpenRouterEngine_ChatRequestsJSONSchema(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		ResponseFormat struct {
			Type       string `json:"type"`
			JSONSchema struct {
				Strict bool           `json:"strict"`
				Schema map[string]any `json:"schema"`
			} `json:"json_schema"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"gen-1","model":"openai/gpt-4o-mini-2024-07-18","choices":[{"message":{"role":"assistant","content":"{}"}}]}`)
	}))
	defer srv.Close()

	e := NewOpenRouterEngine(openrouter.NewClientWithBaseURL("k", srv.URL))
	reply, err := e.Chat(context.Background(), "openai/gpt-4o-mini", []Message{{Role: "user", Content: "x"}},
		&Schema{Type: "object", Properties: map[string]*Schema{"title": {Type: "string"}}, AdditionalProperties: false})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Model != "openai/gpt-4o-mini-2024-07-18" || reply.Content != "{}" {
		t.Errorf("reply = %+v", reply)
	}
	if got.ResponseFormat.Type != "json_schema" || !got.ResponseFormat.JSONSchema.Strict {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
	if got.ResponseFormat.JSONSchema.Schema["type"] != "object" {
		t.Errorf("schema = %v", got.ResponseFormat.JSONSchema.Schema)
	}
}

func TestOpenRouterEngine_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	e := NewOpenRouterEngine(openrouter.NewClientWithBaseURL("k", srv.URL))
	if _, err := e.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestOpenRouterEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"openai/gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	e := NewOpenRouterEngine(openrouter.NewClientWithBaseURL("k", srv.URL))
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(context.Background(), "openai/gpt-4o-mini") {
		t.Error("HasModel = false, want true")
	}
	if e.HasModel(context.Background(), "openai/gpt-5") {
		t.Error("HasModel = true, want false")
	}
	if NewOpenRouterEngine(openrouter.NewClientWithBaseURL("", srv.URL)).IsRunning(context.Background()) {
		t.Error("IsRunning without key should be false")
	}
}
