package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/voxnote/internal/notes"
)

// frontMatter is the YAML header of an exported note.
type frontMatter struct {
	ID          string              `yaml:"id,omitempty"`
	Title       string              `yaml:"title"`
	Tags        []string            `yaml:"tags"`
	Category    string              `yaml:"category,omitempty"`
	Subcategory string              `yaml:"subcategory,omitempty"`
	Priority    string              `yaml:"priority,omitempty"`
	Pinned      bool                `yaml:"pinned,omitempty"`
	Source      string              `yaml:"source,omitempty"`
	ActionItems []string            `yaml:"action_items,omitempty"`
	Entities    map[string][]string `yaml:"entities,omitempty"`
	Created     time.Time           `yaml:"created,omitempty"`
	Updated     time.Time           `yaml:"updated,omitempty"`
}

// ParseMarkdown reads a markdown note with optional YAML front matter. name
// is used as the title when the front matter has none.
func ParseMarkdown(data []byte, name string) (notes.Draft, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	var fm frontMatter

	if strings.HasPrefix(content, "---\n") {
		parts := strings.SplitN(content, "---\n", 3)
		if len(parts) == 3 {
			if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
				return notes.Draft{}, fmt.Errorf("parsing front matter: %w", err)
			}
			content = parts[2]
		}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return notes.Draft{}, notes.ErrEmptyContent
	}
	if fm.Title == "" {
		fm.Title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	d := notes.Draft{
		ID:             fm.ID,
		IdempotencyKey: key("markdown", fm.ID, fm.Title, content),
		Title:          fm.Title,
		Content:        content,
		Tags:           fm.Tags,
		Category:       notes.ParseCategory(fm.Category),
		Subcategory:    fm.Subcategory,
		Priority:       notes.ParsePriority(fm.Priority),
		Pinned:         fm.Pinned,
		Source:         notes.ParseSource(fm.Source),
		ActionItems:    fm.ActionItems,
		Entities:       fm.Entities,
	}
	if fm.ID != "" {
		d.IdempotencyKey = key("note", fm.ID)
	}
	return d, nil
}

// WriteMarkdown writes n as markdown with a YAML front matter header.
func WriteMarkdown(w io.Writer, n notes.Note) error {
	fm := frontMatter{
		ID:          n.ID,
		Title:       n.Title,
		Tags:        n.Tags,
		Category:    string(n.Category),
		Subcategory: n.Subcategory,
		Priority:    string(n.Priority),
		Pinned:      n.Pinned,
		Source:      string(n.Source),
		ActionItems: n.ActionItems,
		Entities:    n.Entities,
		Created:     n.CreatedAt.UTC(),
		Updated:     n.UpdatedAt.UTC(),
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("marshaling front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(n.Content)
	buf.WriteString("\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteJSONL writes one JSON object per note.
func WriteJSONL(w io.Writer, ns []notes.Note) error {
	enc := json.NewEncoder(w)
	for _, n := range ns {
		if err := enc.Encode(n); err != nil {
			return err
		}
	}
	return nil
}

// ReadJSONL reads notes written by WriteJSONL back as drafts.
func ReadJSONL(r io.Reader) ([]notes.Draft, error) {
	dec := json.NewDecoder(r)
	var out []notes.Draft
	for line := 1; ; line++ {
		var n notes.Note
		if err := dec.Decode(&n); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("record %d: %w", line, err)
		}
		out = append(out, notes.Draft{
			ID:             n.ID,
			IdempotencyKey: key("note", n.ID),
			Title:          n.Title,
			Content:        n.Content,
			Tags:           n.Tags,
			Category:       n.Category,
			Subcategory:    n.Subcategory,
			Priority:       n.Priority,
			Pinned:         n.Pinned,
			Source:         n.Source,
			ActionItems:    n.ActionItems,
			Entities:       n.Entities,
		})
	}
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._ -]+`)

// Filename returns a safe markdown file name for n.
func Filename(n notes.Note) string {
	name := strings.TrimSpace(unsafeChars.ReplaceAllString(n.Title, "-"))
	if r := []rune(name); len(r) > 80 {
		name = string(r[:80])
	}
	if name == "" {
		name = "note"
	}
	short := n.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return name + "-" + short + ".md"
}
