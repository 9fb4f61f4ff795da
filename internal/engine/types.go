package engine

import (
	"regexp"
	"strings"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a chat response together with the model that produced it.
type Reply struct {
	Content string
	Model   string
}

// Schema describes the expected JSON output structure for structured chat
// responses. It is a subset of JSON Schema.
type Schema struct {
	Type                 string             `json:"type"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties any                `json:"additionalProperties,omitempty"`
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// SameModel reports whether the model a backend echoed back is the one that
// was requested. A ":latest" tag and a dated snapshot suffix
// ("gpt-4o-mini-2024-07-18", "claude-3-5-sonnet-0620") are tolerated. A
// provider prefix ("openai/") must match when both names carry one.
func SameModel(requested, echoed string) bool {
	rp, r := splitModel(requested)
	ep, e := splitModel(echoed)
	if r == "" || e == "" {
		return false
	}
	if rp != "" && ep != "" && rp != ep {
		return false
	}
	if e == r {
		return true
	}
	suffix, ok := strings.CutPrefix(e, r+"-")
	return ok && snapshotSuffix.MatchString(suffix)
}

var snapshotSuffix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{4})$`)

// splitModel lowercases name and splits it into provider and model, dropping
// a ":latest" tag.
func splitModel(name string) (provider, model string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		provider, name = name[:i], name[i+1:]
	}
	return provider, strings.TrimSuffix(name, ":latest")
}
