package notes

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrNotFound is returned when a note is not present in the collection.
	ErrNotFound = errors.New("note not found")
	// ErrEmptyContent is returned when a note would be stored without content.
	ErrEmptyContent = errors.New("note content is empty")
	// ErrOwnerMismatch is returned when the backend hands back a note that
	// belongs to someone other than the store's owner.
	ErrOwnerMismatch = errors.New("note owner mismatch")
	// ErrPersistenceFailed wraps the last error after durable writes were
	// retried and still failed.
	ErrPersistenceFailed = errors.New("note persistence failed")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("note store closed")
)

// Category is the closed set of note kinds.
type Category string

const (
	CategoryNote     Category = "note"
	CategoryReminder Category = "reminder"
	CategoryTask     Category = "task"
	CategoryIdea     Category = "idea"
)

// Categories lists every valid category.
var Categories = []Category{CategoryNote, CategoryReminder, CategoryTask, CategoryIdea}

// ParseCategory maps s onto the closed set. Unknown values become CategoryNote.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryNote, CategoryReminder, CategoryTask, CategoryIdea:
		return c
	default:
		return CategoryNote
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps s onto the closed set. Unknown values become PriorityMedium.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityMedium
	}
}

type Source string

const (
	SourceManual Source = "manual"
	SourceVoice  Source = "voice"
)

// ParseSource maps s onto the known sources, defaulting to SourceManual.
func ParseSource(s string) Source {
	if Source(strings.ToLower(strings.TrimSpace(s))) == SourceVoice {
		return SourceVoice
	}
	return SourceManual
}

// Note is a user-owned note as held in the collection and returned by the API.
// Slices and maps are never nil.
type Note struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"owner_id"`
	Title          string              `json:"title"`
	Content        string              `json:"content"`
	Tags           []string            `json:"tags"`
	Category       Category            `json:"category"`
	Subcategory    string              `json:"subcategory,omitempty"`
	Priority       Priority            `json:"priority"`
	Pinned         bool                `json:"pinned"`
	Source         Source              `json:"source"`
	ActionItems    []string            `json:"action_items"`
	Entities       map[string][]string `json:"entities"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// HasTag reports whether the note carries tag, compared case-insensitively.
func (n Note) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate collection state.
func (n Note) Clone() Note {
	out := n
	out.Tags = append([]string{}, n.Tags...)
	out.ActionItems = append([]string{}, n.ActionItems...)
	out.Entities = cloneEntities(n.Entities)
	return out
}

func cloneEntities(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string{}, v...)
	}
	return out
}

// Draft is a note that has not been stored yet. Zero-valued fields receive
// defaults on Create. ID and IdempotencyKey are generated when empty; a capture
// session sets both up front so that retries replay the same write.
type Draft struct {
	ID             string              `json:"id,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Title          string              `json:"title,omitempty"`
	Content        string              `json:"content"`
	Tags           []string            `json:"tags,omitempty"`
	Category       Category            `json:"category,omitempty"`
	Subcategory    string              `json:"subcategory,omitempty"`
	Priority       Priority            `json:"priority,omitempty"`
	Pinned         bool                `json:"pinned,omitempty"`
	Source         Source              `json:"source,omitempty"`
	ActionItems    []string            `json:"action_items,omitempty"`
	Entities       map[string][]string `json:"entities,omitempty"`
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Title       *string              `json:"title,omitempty"`
	Content     *string              `json:"content,omitempty"`
	Tags        *[]string            `json:"tags,omitempty"`
	Category    *Category            `json:"category,omitempty"`
	Subcategory *string              `json:"subcategory,omitempty"`
	Priority    *Priority            `json:"priority,omitempty"`
	Pinned      *bool                `json:"pinned,omitempty"`
	ActionItems *[]string            `json:"action_items,omitempty"`
	Entities    *map[string][]string `json:"entities,omitempty"`
}

func (p Patch) apply(n Note) Note {
	if p.Title != nil {
		n.Title = strings.TrimSpace(*p.Title)
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Tags != nil {
		n.Tags = NormalizeTags(*p.Tags)
	}
	if p.Category != nil {
		n.Category = ParseCategory(string(*p.Category))
	}
	if p.Subcategory != nil {
		n.Subcategory = strings.TrimSpace(*p.Subcategory)
	}
	if p.Priority != nil {
		n.Priority = ParsePriority(string(*p.Priority))
	}
	if p.Pinned != nil {
		n.Pinned = *p.Pinned
	}
	if p.ActionItems != nil {
		n.ActionItems = nonNil(*p.ActionItems)
	}
	if p.Entities != nil {
		n.Entities = cloneEntities(*p.Entities)
	}
	if n.Title == "" {
		n.Title = DeriveTitle(n.Content)
	}
	return n
}

// Filter selects notes in List. Zero values match everything.
type Filter struct {
	Category Category
	Tag      string
	Pinned   *bool
	Source   Source
	Limit    int
}

func (f Filter) match(n Note) bool {
	if f.Category != "" && n.Category != f.Category {
		return false
	}
	if f.Tag != "" && !n.HasTag(f.Tag) {
		return false
	}
	if f.Pinned != nil && n.Pinned != *f.Pinned {
		return false
	}
	if f.Source != "" && n.Source != f.Source {
		return false
	}
	return true
}

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is delivered to subscribers after the collection changes.
type Event struct {
	Type EventType
	Note Note
}

const titleLimit = 60

// DeriveTitle builds a title from the first non-empty line of content,
// truncated on a word boundary to 60 runes with an ellipsis.
func DeriveTitle(content string) string {
	var line string
	for _, l := range strings.Split(content, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	runes := []rune(line)
	if len(runes) <= titleLimit {
		return line
	}

	cut := titleLimit
	for i := titleLimit; i > titleLimit/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + "…"
}

// NormalizeTags trims tags, drops empties and removes case-insensitive
// duplicates while keeping the first spelling and the original order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func nonNil(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
