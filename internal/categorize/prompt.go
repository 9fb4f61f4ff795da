package categorize

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/voxnote/internal/engine"
	"github.com/kalambet/voxnote/internal/notes"
)

const systemPromptTemplate = `You are a note categorization engine. The user dictated a short note; classify it. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Categories:
- "note": general information worth keeping
- "reminder": something to be reminded of at a time or place
- "task": an action the user intends to do
- "idea": a thought, plan or suggestion to explore later

Rules:
- title is a short label of at most 8 words, in the language of the note.
- tags are 1 to 5 lowercase topic words.
- subcategory is a free-form refinement of the category (e.g. "shopping", "work"), or "".
- priority is "high" only for urgent or time-critical notes, "low" for someday items.
- action_items lists concrete actions mentioned in the note, or [].
- entities lists people, places, dates and organizations mentioned verbatim.`

// BuildPrompt constructs the chat messages for categorizing transcript.
// now anchors relative dates such as "tomorrow".
func BuildPrompt(transcript string, now time.Time) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)
	if !now.IsZero() {
		fmt.Fprintf(&sb, "\n\n[Today]\n%s", now.Format("Monday, 2006-01-02"))
	}

	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: transcript},
	}
}

var entityKinds = []string{"people", "places", "dates", "organizations"}

// schema returns the strict JSON schema for categorization output. Every
// property is required and no others are allowed, as strict json_schema mode
// demands.
func schema() *engine.Schema {
	strs := func(desc string) *engine.Schema {
		return &engine.Schema{Type: "array", Description: desc, Items: &engine.Schema{Type: "string"}}
	}

	categories := make([]string, len(notes.Categories))
	for i, c := range notes.Categories {
		categories[i] = string(c)
	}

	entities := &engine.Schema{
		Type:                 "object",
		Properties:           map[string]*engine.Schema{},
		Required:             entityKinds,
		AdditionalProperties: false,
	}
	for _, k := range entityKinds {
		entities.Properties[k] = strs("Mentioned " + k)
	}

	return &engine.Schema{
		Type: "object",
		Properties: map[string]*engine.Schema{
			"title":        {Type: "string", Description: "Short human label"},
			"tags":         strs("Lowercase topic tags"),
			"category":     {Type: "string", Enum: categories},
			"subcategory":  {Type: "string", Description: "Free-form sub-classification"},
			"priority":     {Type: "string", Enum: []string{string(notes.PriorityLow), string(notes.PriorityMedium), string(notes.PriorityHigh)}},
			"action_items": strs("Concrete actions mentioned in the note"),
			"entities":     entities,
		},
		Required:             []string{"title", "tags", "category", "subcategory", "priority", "action_items", "entities"},
		AdditionalProperties: false,
	}
}
