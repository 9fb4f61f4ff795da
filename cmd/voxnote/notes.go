package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/kalambet/voxnote/internal/importer"
	"github.com/kalambet/voxnote/internal/notes"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "List, show and edit notes",
}

// --- note list ---

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"category", "tag", "source"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		if cmd.Flags().Changed("pinned") {
			pinned, _ := cmd.Flags().GetBool("pinned")
			q.Set("pinned", strconv.FormatBool(pinned))
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ns, err := listNotes(cmd.Context(), client, q)
		if err != nil {
			return err
		}

		if len(ns) == 0 {
			fmt.Println("No notes found.")
			return nil
		}
		for _, n := range ns {
			fmt.Println(noteLine(n))
		}
		return nil
	},
}

func listNotes(ctx context.Context, client *apiClient, q url.Values) ([]notes.Note, error) {
	resp, err := client.get(ctx, "/notes?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var ns []notes.Note
	if err := decodeJSON(resp, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func getNote(ctx context.Context, client *apiClient, id string) (notes.Note, error) {
	resp, err := client.get(ctx, "/notes/"+url.PathEscape(id))
	if err != nil {
		return notes.Note{}, err
	}
	var n notes.Note
	if err := decodeJSON(resp, &n); err != nil {
		return notes.Note{}, err
	}
	return n, nil
}

func init() {
	noteListCmd.Flags().String("category", "", "only notes in this category (note, reminder, task, idea)")
	noteListCmd.Flags().String("tag", "", "only notes with this tag")
	noteListCmd.Flags().String("source", "", "only notes from this source (manual, voice)")
	noteListCmd.Flags().Bool("pinned", false, "only pinned (or, with --pinned=false, unpinned) notes")
	noteListCmd.Flags().Int("limit", 50, "maximum number of notes to list")
}

// --- note show ---

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := getNote(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := importer.WriteMarkdown(&buf, n); err != nil {
			return err
		}
		if raw {
			_, err := os.Stdout.Write(buf.Bytes())
			return err
		}
		fmt.Print(renderNote(n))
		return nil
	},
}

// renderNote renders the note body with glamour under a short header.
// Rendering failures fall back to the plain content.
func renderNote(n notes.Note) string {
	var sb strings.Builder
	sb.WriteString(colorize(colorBold, n.Title) + "\n")
	sb.WriteString(colorize(colorFaint, fmt.Sprintf("%s  %s/%s  %s", n.ID, n.Category, n.Priority, n.UpdatedAt.Format("2006-01-02 15:04"))) + "\n")
	if len(n.Tags) > 0 {
		sb.WriteString(colorize(colorCyan, "#"+strings.Join(n.Tags, " #")) + "\n")
	}

	body := n.Content
	if len(n.ActionItems) > 0 {
		body += "\n\n## Action items\n"
		for _, item := range n.ActionItems {
			body += "\n- [ ] " + item
		}
	}

	style := glamour.WithAutoStyle()
	if noColor {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(80))
	if err != nil {
		sb.WriteString("\n" + body + "\n")
		return sb.String()
	}
	out, err := renderer.Render(body)
	if err != nil {
		sb.WriteString("\n" + body + "\n")
		return sb.String()
	}
	sb.WriteString(out)
	return sb.String()
}

func init() {
	noteShowCmd.Flags().Bool("raw", false, "print markdown with front matter instead of rendering")
}

// --- note add ---

var noteAddCmd = &cobra.Command{
	Use:   "add [text...]",
	Short: "Add a text note or bookmark a URL",
	Long: `Add a text note or bookmark a URL.

Examples:
  voxnote note add "Call the dentist on Monday" --category reminder
  voxnote note add --url https://example.com/article --tags reading`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageURL, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")
		category, _ := cmd.Flags().GetString("category")
		priority, _ := cmd.Flags().GetString("priority")
		pinned, _ := cmd.Flags().GetBool("pin")

		text := strings.Join(args, " ")
		if text == "" && pageURL == "" {
			return fmt.Errorf("note text or --url is required")
		}

		req := map[string]any{
			"type":    "text",
			"content": text,
		}
		if pageURL != "" {
			req["type"] = "url"
			req["url"] = pageURL
		}
		if title != "" {
			req["title"] = title
		}
		if tags := splitTags(tagsStr); tags != nil {
			req["tags"] = tags
		}
		if category != "" {
			req["category"] = category
		}
		if priority != "" {
			req["priority"] = priority
		}
		if pinned {
			req["pinned"] = true
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes", req)
		if err != nil {
			return err
		}
		var n notes.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		printSuccess("Saved %q", n.Title)
		fmt.Println(n.ID)
		return nil
	},
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}

func init() {
	noteAddCmd.Flags().String("url", "", "URL to fetch and store")
	noteAddCmd.Flags().String("title", "", "title for the note")
	noteAddCmd.Flags().String("tags", "", "comma-separated tags")
	noteAddCmd.Flags().String("category", "", "note, reminder, task or idea")
	noteAddCmd.Flags().String("priority", "", "low, medium or high")
	noteAddCmd.Flags().Bool("pin", false, "pin the note")
}

// --- note edit ---

var noteEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a note with flags or in $EDITOR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var p notes.Patch
		if editFlagsChanged(cmd) {
			p = patchFromFlags(cmd)
		} else {
			n, err := getNote(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			p, err = editInEditor(n)
			if err != nil {
				return err
			}
		}

		resp, err := client.patch(cmd.Context(), "/notes/"+url.PathEscape(args[0]), p)
		if err != nil {
			return err
		}
		var n notes.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Updated %q", n.Title)
		return nil
	},
}

var editFlags = []string{"title", "content", "tags", "category", "priority"}

func editFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range editFlags {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func patchFromFlags(cmd *cobra.Command) notes.Patch {
	var p notes.Patch
	flags := cmd.Flags()
	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		p.Title = &v
	}
	if flags.Changed("content") {
		v, _ := flags.GetString("content")
		p.Content = &v
	}
	if flags.Changed("tags") {
		v, _ := flags.GetString("tags")
		tags := splitTags(v)
		if tags == nil {
			tags = []string{}
		}
		p.Tags = &tags
	}
	if flags.Changed("category") {
		v, _ := flags.GetString("category")
		c := notes.Category(v)
		p.Category = &c
	}
	if flags.Changed("priority") {
		v, _ := flags.GetString("priority")
		pr := notes.Priority(v)
		p.Priority = &pr
	}
	return p
}

// editInEditor opens the note as markdown in $EDITOR and returns a patch
// carrying every editable field from the saved file.
func editInEditor(n notes.Note) (notes.Patch, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	tmpFile, err := os.CreateTemp("", "voxnote-*.md")
	if err != nil {
		return notes.Patch{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if err := importer.WriteMarkdown(tmpFile, n); err != nil {
		tmpFile.Close()
		return notes.Patch{}, err
	}
	tmpFile.Close()

	editorCmd := exec.Command(editor, tmpPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return notes.Patch{}, fmt.Errorf("editor exited with error: %w", err)
	}

	edited, err := os.ReadFile(tmpPath)
	if err != nil {
		return notes.Patch{}, err
	}
	d, err := importer.ParseMarkdown(edited, filepath.Base(tmpPath))
	if err != nil {
		return notes.Patch{}, fmt.Errorf("invalid note: %w", err)
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	items := d.ActionItems
	if items == nil {
		items = []string{}
	}
	return notes.Patch{
		Title:       &d.Title,
		Content:     &d.Content,
		Tags:        &tags,
		Category:    &d.Category,
		Subcategory: &d.Subcategory,
		Priority:    &d.Priority,
		Pinned:      &d.Pinned,
		ActionItems: &items,
	}, nil
}

func init() {
	noteEditCmd.Flags().String("title", "", "new title")
	noteEditCmd.Flags().String("content", "", "new content")
	noteEditCmd.Flags().String("tags", "", "comma-separated tags, replacing the current ones")
	noteEditCmd.Flags().String("category", "", "note, reminder, task or idea")
	noteEditCmd.Flags().String("priority", "", "low, medium or high")
}

// --- note pin / rm ---

var notePinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Toggle a note's pinned flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes/"+url.PathEscape(args[0])+"/pin", nil)
		if err != nil {
			return err
		}
		var n notes.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		if n.Pinned {
			printSuccess("Pinned %q", n.Title)
		} else {
			printSuccess("Unpinned %q", n.Title)
		}
		return nil
	},
}

var noteRmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	Short:   "Delete notes",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		failures := 0
		for _, id := range args {
			resp, err := client.delete(cmd.Context(), "/notes/"+url.PathEscape(id))
			if err == nil {
				var out map[string]string
				err = decodeJSON(resp, &out)
			}
			if err != nil {
				printError("Failed to delete %s: %v", id, err)
				failures++
				continue
			}
			printSuccess("Deleted %s", id)
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d deletions failed", failures, len(args))
		}
		return nil
	},
}

// --- note import / export ---

var noteImportCmd = &cobra.Command{
	Use:   "import <path>...",
	Short: "Import markdown, text, PDF or JSONL files as notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		imported, failures := importPaths(cmd.Context(), client, args)
		printSuccess("Imported %d notes", imported)
		if failures > 0 {
			return fmt.Errorf("%d files could not be imported", failures)
		}
		return nil
	},
}

// importPaths stores every draft read from paths. Each draft carries a
// content-derived idempotency key, so importing the same file twice does
// not duplicate notes.
func importPaths(ctx context.Context, client *apiClient, paths []string) (imported, failures int) {
	for _, path := range paths {
		drafts, err := readDrafts(path)
		if err != nil {
			printError("%s: %v", path, err)
			failures++
			continue
		}
		for _, d := range drafts {
			if _, err := client.createNote(ctx, d); err != nil {
				printError("%s: %v", path, err)
				failures++
				continue
			}
			imported++
		}
	}
	return imported, failures
}

func readDrafts(path string) ([]notes.Draft, error) {
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return importer.ReadJSONL(f)
	}
	d, err := importer.ImportFile(path)
	if err != nil {
		return nil, err
	}
	return []notes.Draft{d}, nil
}

var noteExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export notes as JSONL or a directory of markdown files",
	Long: `Export notes as JSONL or a directory of markdown files.

Examples:
  voxnote note export > notes.jsonl
  voxnote note export --dir ~/Notes/voxnote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ns, err := listNotes(cmd.Context(), client, url.Values{"limit": {strconv.Itoa(maxStatusCount)}})
		if err != nil {
			return err
		}

		if dir != "" {
			if err := exportMarkdown(dir, ns); err != nil {
				return err
			}
			printSuccess("Exported %d notes to %s", len(ns), dir)
			return nil
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		if err := importer.WriteJSONL(writer, ns); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d notes to %s", len(ns), output)
		}
		return nil
	},
}

func exportMarkdown(dir string, ns []notes.Note) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, n := range ns {
		var buf bytes.Buffer
		if err := importer.WriteMarkdown(&buf, n); err != nil {
			return fmt.Errorf("note %s: %w", n.ID, err)
		}
		if err := os.WriteFile(filepath.Join(dir, importer.Filename(n)), buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	noteExportCmd.Flags().String("dir", "", "write one markdown file per note into this directory")
	noteExportCmd.Flags().String("output", "", "JSONL output file (default: stdout)")

	noteCmd.AddCommand(noteListCmd, noteShowCmd, noteAddCmd, noteEditCmd)
	noteCmd.AddCommand(notePinCmd, noteRmCmd, noteImportCmd, noteExportCmd)
}
