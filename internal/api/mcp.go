package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/pipeline"
)

const maxAudioFileSize = 100 << 20

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Notes    NoteStore
	Captures Captures // optional; capture_audio returns an error without it
}

// NewMCPServer creates an MCP server with the note tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"voxnote",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("voxnote: personal notes captured by voice, categorized and searchable by tag and category."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_note",
			mcp.WithDescription("Create a note from text."),
			mcp.WithString("content", mcp.Description("Note text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; derived from the content when empty")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
			mcp.WithString("category", mcp.Description("note, reminder, task or idea")),
			mcp.WithString("priority", mcp.Description("low, medium or high")),
		),
		mcpCreateNote(deps),
	)

	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List notes, newest first, optionally filtered."),
			mcp.WithString("category", mcp.Description("Only notes in this category")),
			mcp.WithString("tag", mcp.Description("Only notes with this tag")),
			mcp.WithBoolean("pinned", mcp.Description("Only pinned notes")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default 20)")),
		),
		mcpListNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("update_note",
			mcp.WithDescription("Change fields of an existing note. Omitted fields stay as they are."),
			mcp.WithString("id", mcp.Description("Note id"), mcp.Required()),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("content", mcp.Description("New content")),
			mcp.WithArray("tags", mcp.Description("Replacement tags")),
			mcp.WithString("category", mcp.Description("note, reminder, task or idea")),
			mcp.WithString("priority", mcp.Description("low, medium or high")),
		),
		mcpUpdateNote(deps),
	)

	s.AddTool(
		mcp.NewTool("pin_note",
			mcp.WithDescription("Toggle the pinned flag of a note."),
			mcp.WithString("id", mcp.Description("Note id"), mcp.Required()),
		),
		mcpPinNote(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_note",
			mcp.WithDescription("Delete a note."),
			mcp.WithString("id", mcp.Description("Note id"), mcp.Required()),
		),
		mcpDeleteNote(deps),
	)

	s.AddTool(
		mcp.NewTool("capture_audio",
			mcp.WithDescription("Transcribe an audio file, categorize it and store it as a voice note."),
			mcp.WithString("path", mcp.Description("Path of a wav, mp3, m4a, ogg, webm or flac file"), mcp.Required()),
		),
		mcpCaptureAudio(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("The 10 most recent notes (titles and excerpts)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCreateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		n, err := deps.Notes.Create(ctx, notes.Draft{
			Title:    req.GetString("title", ""),
			Content:  content,
			Tags:     req.GetStringSlice("tags", nil),
			Category: notes.Category(req.GetString("category", "")),
			Priority: notes.Priority(req.GetString("priority", "")),
			Source:   notes.SourceManual,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create note: %v", err)), nil
		}
		return mcpJSON(n)
	}
}

func mcpListNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		f := notes.Filter{Tag: req.GetString("tag", ""), Limit: limit}
		if c := req.GetString("category", ""); c != "" {
			f.Category = notes.ParseCategory(c)
		}
		if req.GetBool("pinned", false) {
			pinned := true
			f.Pinned = &pinned
		}
		return mcpJSON(deps.Notes.List(f))
	}
}

func mcpUpdateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		var p notes.Patch
		args := req.GetArguments()
		if _, ok := args["title"]; ok {
			v := req.GetString("title", "")
			p.Title = &v
		}
		if _, ok := args["content"]; ok {
			v := req.GetString("content", "")
			p.Content = &v
		}
		if _, ok := args["tags"]; ok {
			v := req.GetStringSlice("tags", nil)
			p.Tags = &v
		}
		if _, ok := args["category"]; ok {
			v := notes.ParseCategory(req.GetString("category", ""))
			p.Category = &v
		}
		if _, ok := args["priority"]; ok {
			v := notes.ParsePriority(req.GetString("priority", ""))
			p.Priority = &v
		}

		n, err := deps.Notes.Update(ctx, id, p)
		if errors.Is(err, notes.ErrNotFound) {
			return mcpError(fmt.Sprintf("note %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to update note: %v", err)), nil
		}
		return mcpJSON(n)
	}
}

func mcpPinNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		n, err := deps.Notes.TogglePin(ctx, id)
		if errors.Is(err, notes.ErrNotFound) {
			return mcpError(fmt.Sprintf("note %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to pin note: %v", err)), nil
		}
		if n.Pinned {
			return mcpText(fmt.Sprintf("Pinned %s", id)), nil
		}
		return mcpText(fmt.Sprintf("Unpinned %s", id)), nil
	}
}

func mcpDeleteNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Notes.Delete(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("failed to delete note: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted %s", id)), nil
	}
}

func mcpCaptureAudio(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Captures == nil {
			return mcpError("capture not available: no transcription service configured"), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		info, err := os.Stat(path)
		if err != nil {
			return mcpError(fmt.Sprintf("cannot read %s: %v", path, err)), nil
		}
		if info.Size() > maxAudioFileSize {
			return mcpError(fmt.Sprintf("%s is larger than 100MB", path)), nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return mcpError(fmt.Sprintf("cannot read %s: %v", path, err)), nil
		}

		res := deps.Captures.Process(ctx, capture.Recording{Audio: data, Format: capture.FormatForFile(path)})
		switch {
		case res.Outcome == pipeline.OutcomeSuccess && res.Note != nil:
			return mcpJSON(res.Note)
		case res.Outcome == pipeline.OutcomeAborted:
			return mcpText(res.Message), nil
		default:
			return mcpError(res.Message), nil
		}
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recent := deps.Notes.List(notes.Filter{Limit: 10})

		type noteSummary struct {
			ID        string         `json:"id"`
			Title     string         `json:"title"`
			Category  notes.Category `json:"category"`
			Tags      []string       `json:"tags"`
			Pinned    bool           `json:"pinned"`
			CreatedAt string         `json:"created_at"`
			Excerpt   string         `json:"excerpt"`
		}

		summaries := make([]noteSummary, len(recent))
		for i, n := range recent {
			excerpt := n.Content
			if utf8.RuneCountInString(excerpt) > 200 {
				runes := []rune(excerpt)
				excerpt = string(runes[:200]) + "..."
			}
			summaries[i] = noteSummary{
				ID:        n.ID,
				Title:     n.Title,
				Category:  n.Category,
				Tags:      n.Tags,
				Pinned:    n.Pinned,
				CreatedAt: n.CreatedAt.Format(time.RFC3339),
				Excerpt:   excerpt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
