package importer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/voxnote/internal/notes"
)

func TestFromText(t *testing.T) {
	d, err := FromText(" Groceries ", "  milk, eggs  ")
	if err != nil {
		t.Fatalf("FromText: %v", err)
	}
	if d.Title != "Groceries" || d.Content != "milk, eggs" || d.Source != notes.SourceManual {
		t.Errorf("draft = %+v", d)
	}

	again, _ := FromText("Groceries", "milk, eggs")
	if again.IdempotencyKey != d.IdempotencyKey {
		t.Error("same text should produce the same idempotency key")
	}

	if _, err := FromText("t", "   "); !errors.Is(err, notes.ErrEmptyContent) {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := notes.Note{
		ID:          "0b6f7c1e-1111-4c3a-9d7e-5b2a0c9e8f00",
		Title:       "Call John",
		Content:     "Reminder to call John tomorrow at 3pm",
		Tags:        []string{"calls"},
		Category:    notes.CategoryReminder,
		Priority:    notes.PriorityHigh,
		Pinned:      true,
		Source:      notes.SourceVoice,
		ActionItems: []string{"call John"},
		Entities:    map[string][]string{"people": {"John"}},
		CreatedAt:   created,
		UpdatedAt:   created,
	}

	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, n); err != nil {
		t.Fatalf("WriteMarkdown: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "---\n") || !strings.Contains(buf.String(), "category: reminder") {
		t.Errorf("unexpected markdown:\n%s", buf.String())
	}

	d, err := ParseMarkdown(buf.Bytes(), "ignored.md")
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	if d.ID != n.ID || d.Title != n.Title || d.Content != n.Content {
		t.Errorf("draft = %+v", d)
	}
	if d.Category != notes.CategoryReminder || d.Priority != notes.PriorityHigh || !d.Pinned || d.Source != notes.SourceVoice {
		t.Errorf("metadata lost: %+v", d)
	}
	if len(d.Entities["people"]) != 1 || len(d.ActionItems) != 1 {
		t.Errorf("entities/action items lost: %+v", d)
	}
}

func TestParseMarkdown_NoFrontMatter(t *testing.T) {
	d, err := ParseMarkdown([]byte("# Plan\n\nplant tomatoes\n"), "garden.md")
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	if d.Title != "garden" {
		t.Errorf("title = %q, want file name", d.Title)
	}
	if d.Category != notes.CategoryNote || d.Source != notes.SourceManual {
		t.Errorf("defaults not applied: %+v", d)
	}
}

func TestParseMarkdown_BadFrontMatter(t *testing.T) {
	_, err := ParseMarkdown([]byte("---\ntags: [unclosed\n---\nbody"), "x.md")
	if err == nil {
		t.Error("expected front matter error")
	}
}

func TestExtractHTML(t *testing.T) {
	page := `<html><head><title>Tomato Guide</title><style>p{color:red}</style></head>
<body><nav>Home | About</nav><h1>Growing   tomatoes</h1>
<p>Plant after the last frost.</p><script>track()</script><p>Water <b>daily</b>.</p></body></html>`

	title, text, err := ExtractHTML(strings.NewReader(page))
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if title != "Tomato Guide" {
		t.Errorf("title = %q", title)
	}
	want := "Growing tomatoes\nPlant after the last frost.\nWater daily."
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestFetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<html><title>Hello</title><body><p>World</p></body></html>`))
		case "/bin":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte{0, 1})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d, err := FetchURL(context.Background(), srv.Client(), srv.URL+"/page")
	if err != nil {
		t.Fatalf("FetchURL: %v", err)
	}
	if d.Title != "Hello" || !strings.HasPrefix(d.Content, "World") || !strings.Contains(d.Content, srv.URL) {
		t.Errorf("draft = %+v", d)
	}
	if len(d.Tags) != 1 || d.Tags[0] != "web" {
		t.Errorf("tags = %v", d.Tags)
	}

	if _, err := FetchURL(context.Background(), srv.Client(), srv.URL+"/bin"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("binary: err = %v, want ErrUnsupported", err)
	}
	if _, err := FetchURL(context.Background(), srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "todo.txt")
	md := filepath.Join(dir, "idea.md")
	bin := filepath.Join(dir, "image.png")
	os.WriteFile(txt, []byte("buy milk\n"), 0o644)
	os.WriteFile(md, []byte("---\ntitle: Big idea\ncategory: idea\n---\nsolar roof\n"), 0o644)
	os.WriteFile(bin, []byte{1}, 0o644)

	d, err := ImportFile(txt)
	if err != nil || d.Content != "buy milk" {
		t.Errorf("txt: %+v, %v", d, err)
	}
	d, err = ImportFile(md)
	if err != nil || d.Title != "Big idea" || d.Category != notes.CategoryIdea {
		t.Errorf("md: %+v, %v", d, err)
	}
	if _, err := ImportFile(bin); !errors.Is(err, ErrUnsupported) {
		t.Errorf("png: err = %v, want ErrUnsupported", err)
	}
	if _, err := ImportFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExtractPDF_NotAPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	os.WriteFile(path, []byte("plain text"), 0o644)
	if _, err := ExtractPDF(path); err == nil {
		t.Error("expected error for a file that is not a PDF")
	}
}

func TestJSONL(t *testing.T) {
	ns := []notes.Note{
		{ID: "a", Title: "A", Content: "first", Tags: []string{}, Category: notes.CategoryNote, Priority: notes.PriorityLow},
		{ID: "b", Title: "B", Content: "second", Tags: []string{"x"}, Category: notes.CategoryTask, Priority: notes.PriorityHigh, Pinned: true},
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, ns); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}

	drafts, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(drafts) != 2 || drafts[1].ID != "b" || !drafts[1].Pinned || drafts[1].Category != notes.CategoryTask {
		t.Errorf("drafts = %+v", drafts)
	}
	if drafts[0].IdempotencyKey == drafts[1].IdempotencyKey {
		t.Error("distinct notes must get distinct keys")
	}

	if _, err := ReadJSONL(strings.NewReader("{\"id\":\"a\"}\n{oops")); err == nil {
		t.Error("expected error for malformed record")
	}
}

func TestFilename(t *testing.T) {
	n := notes.Note{ID: "12345678-aaaa", Title: "Call: John/Jane?"}
	if got := Filename(n); got != "Call- John-Jane--12345678.md" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename(notes.Note{ID: "x"}); got != "note-x.md" {
		t.Errorf("Filename = %q", got)
	}
}
