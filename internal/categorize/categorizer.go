// Package categorize turns a transcript into note metadata with a single
// structured-output LLM call. It is best-effort: every failure yields the
// default metadata instead of an error.
package categorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/voxnote/internal/engine"
	"github.com/kalambet/voxnote/internal/notes"
)

const (
	defaultTimeout = 4 * time.Second
	maxTags        = 10
	titleLimit     = 80
)

var (
	// ErrCapabilityMismatch means the backend answered with a different model
	// than the one requested, so the structured-output contract cannot be
	// trusted.
	ErrCapabilityMismatch = errors.New("categorization backend substituted a different model")
	// ErrSchemaViolation means the reply was JSON but did not match the schema.
	ErrSchemaViolation = errors.New("categorization reply violates schema")
)

// Chatter is the chat side of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (engine.Reply, error)
}

// Result is the metadata for one transcript. Every field always holds a
// usable value. Degraded is set when the defaults were substituted because
// the backend failed; Reason then says why.
type Result struct {
	Title       string              `json:"title"`
	Tags        []string            `json:"tags"`
	Category    notes.Category      `json:"category"`
	Subcategory string              `json:"subcategory"`
	Priority    notes.Priority      `json:"priority"`
	ActionItems []string            `json:"action_items"`
	Entities    map[string][]string `json:"entities"`
	Degraded    bool                `json:"degraded"`
	Reason      string              `json:"reason,omitempty"`
}

// Defaults returns the all-defaults result.
func Defaults() Result {
	return Result{
		Tags:        []string{},
		Category:    notes.CategoryNote,
		Priority:    notes.PriorityMedium,
		ActionItems: []string{},
		Entities:    map[string][]string{},
	}
}

// ApplyTo copies the metadata onto d. The title is left empty when none was
// produced so the store derives one from the content.
func (r Result) ApplyTo(d notes.Draft) notes.Draft {
	d.Title = r.Title
	d.Tags = append([]string{}, r.Tags...)
	d.Category = r.Category
	d.Subcategory = r.Subcategory
	d.Priority = r.Priority
	d.ActionItems = append([]string{}, r.ActionItems...)
	d.Entities = make(map[string][]string, len(r.Entities))
	for k, v := range r.Entities {
		d.Entities[k] = append([]string{}, v...)
	}
	return d
}

// Categorizer calls a chat backend with a strict JSON schema.
type Categorizer struct {
	client  Chatter
	model   string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Categorizer.
type Option func(*Categorizer)

// WithTimeout bounds the whole categorization call.
func WithTimeout(d time.Duration) Option { return func(c *Categorizer) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Categorizer) { c.logger = l } }

// WithClock overrides the clock used for the prompt's current date.
func WithClock(now func() time.Time) Option { return func(c *Categorizer) { c.now = now } }

// New creates a Categorizer using the given chat backend and model name.
func New(client Chatter, model string, opts ...Option) *Categorizer {
	c := &Categorizer{
		client:  client,
		model:   model,
		timeout: defaultTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the requested model name.
func (c *Categorizer) Model() string { return c.model }

// Categorize classifies transcript. It never fails: on timeout, transport
// error, malformed or off-schema output, or a substituted model it returns
// Defaults with Degraded set.
func (c *Categorizer) Categorize(ctx context.Context, transcript string) Result {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Defaults()
	}
	if c.client == nil {
		return c.degrade(errors.New("no categorization backend configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.client.Chat(ctx, c.model, BuildPrompt(transcript, c.now()), schema())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", c.timeout, err)
		}
		return c.degrade(err)
	}

	if !engine.SameModel(c.model, reply.Model) {
		err := fmt.Errorf("%w: requested %q, got %q", ErrCapabilityMismatch, c.model, reply.Model)
		c.logger.Error("categorization contract not honored", "requested", c.model, "echoed", reply.Model)
		return c.degrade(err)
	}

	res, err := parse(reply.Content)
	if err != nil {
		c.logger.Debug("categorization reply rejected", "response", reply.Content)
		return c.degrade(err)
	}
	return res
}

func (c *Categorizer) degrade(err error) Result {
	if !errors.Is(err, ErrCapabilityMismatch) {
		c.logger.Warn("categorization degraded to defaults", "model", c.model, "error", err)
	}
	r := Defaults()
	r.Degraded = true
	r.Reason = err.Error()
	return r
}

// reply mirrors the schema. Pointers distinguish a missing property from a
// zero value.
type reply struct {
	Title       *string              `json:"title"`
	Tags        *[]string            `json:"tags"`
	Category    *string              `json:"category"`
	Subcategory *string              `json:"subcategory"`
	Priority    *string              `json:"priority"`
	ActionItems *[]string            `json:"action_items"`
	Entities    *map[string][]string `json:"entities"`
}

func parse(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, fmt.Errorf("%w: empty reply", ErrSchemaViolation)
	}

	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, fmt.Errorf("malformed categorization JSON: %w", err)
	}

	var missing []string
	for name, present := range map[string]bool{
		"title":        r.Title != nil,
		"tags":         r.Tags != nil,
		"category":     r.Category != nil,
		"priority":     r.Priority != nil,
		"action_items": r.ActionItems != nil,
		"entities":     r.Entities != nil,
	} {
		if !present {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Result{}, fmt.Errorf("%w: missing %s", ErrSchemaViolation, strings.Join(missing, ", "))
	}

	res := Defaults()
	res.Title = truncate(strings.TrimSpace(*r.Title), titleLimit)
	res.Tags = normalizeTags(*r.Tags)
	res.Category = notes.ParseCategory(*r.Category)
	res.Priority = notes.ParsePriority(*r.Priority)
	if r.Subcategory != nil {
		res.Subcategory = strings.ToLower(strings.TrimSpace(*r.Subcategory))
	}
	for _, a := range *r.ActionItems {
		if a = strings.TrimSpace(a); a != "" {
			res.ActionItems = append(res.ActionItems, a)
		}
	}
	for k, vs := range *r.Entities {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		for _, v := range vs {
			if v = strings.TrimSpace(v); v != "" {
				res.Entities[k] = append(res.Entities[k], v)
			}
		}
	}
	return res, nil
}

func normalizeTags(tags []string) []string {
	lower := make([]string, 0, len(tags))
	for _, t := range tags {
		lower = append(lower, strings.ToLower(t))
	}
	out := notes.NormalizeTags(lower)
	if len(out) > maxTags {
		out = out[:maxTags]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
