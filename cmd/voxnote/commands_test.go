package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/kalambet/voxnote/internal/config"
	"github.com/kalambet/voxnote/internal/importer"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/pipeline"
)

type recordedRequest struct {
	Method         string
	Path           string
	Body           string
	Auth           string
	IdempotencyKey string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:         r.Method,
			Path:           r.URL.RequestURI(),
			Body:           body.String(),
			Auth:           r.Header.Get("Authorization"),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the commands at ts for the rest of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

const noteJSON = `{"id":"n-123","title":"Buy milk","content":"Buy milk","tags":[],"category":"task","priority":"medium","pinned":false,"source":"manual","action_items":[],"entities":{}}`

func TestNoteAddCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /notes": noteJSON})
	ts.use(t)

	if err := execute(t, "note", "add", "Buy", "milk", "--tags", "home, errands", "--category", "task"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/notes" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["type"] != "text" || body["content"] != "Buy milk" || body["category"] != "task" {
		t.Errorf("body = %v", body)
	}
	tags, _ := body["tags"].([]any)
	if len(tags) != 2 || tags[1] != "errands" {
		t.Errorf("tags = %v", body["tags"])
	}
}

func TestNoteAddCommand_MissingArgs(t *testing.T) {
	err := execute(t, "note", "add")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestNoteListCommand_Filters(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /notes": "[" + noteJSON + "]"})
	ts.use(t)

	if err := execute(t, "note", "list", "--category", "task", "--pinned", "--limit", "5"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if got, want := ts.requests[0].Path, "/notes?category=task&limit=5&pinned=true"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestNoteEditCommand_Flags(t *testing.T) {
	ts := newTestServer(t, map[string]string{"PATCH /notes/n-123": noteJSON})
	ts.use(t)

	if err := execute(t, "note", "edit", "n-123", "--title", "Groceries", "--tags", "home"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["title"] != "Groceries" {
		t.Errorf("title = %v", body["title"])
	}
	if _, ok := body["content"]; ok {
		t.Errorf("unchanged content should not be sent: %v", body)
	}
	tags, _ := body["tags"].([]any)
	if len(tags) != 1 || tags[0] != "home" {
		t.Errorf("tags = %v", body["tags"])
	}
}

func TestNoteRmCommand_ReportsFailures(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /notes/a": `{"status":"deleted"}`})
	ts.use(t)

	err := execute(t, "note", "rm", "a", "b")
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error = %v, want 1 of 2 failures", err)
	}
	if len(ts.requests) != 2 {
		t.Errorf("expected 2 requests, got %d", len(ts.requests))
	}
}

func TestCreateNote_SendsIdempotencyKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /notes": noteJSON})

	n, err := ts.client().createNote(ctx, notes.Draft{
		IdempotencyKey: "capture:abc",
		Content:        "Buy milk",
		Category:       notes.CategoryTask,
		Source:         notes.SourceVoice,
		ActionItems:    []string{"buy milk"},
	})
	if err != nil {
		t.Fatalf("createNote: %v", err)
	}
	if n.ID != "n-123" {
		t.Errorf("id = %q", n.ID)
	}

	r := ts.requests[0]
	if r.IdempotencyKey != "capture:abc" {
		t.Errorf("Idempotency-Key = %q", r.IdempotencyKey)
	}
	var body map[string]any
	json.Unmarshal([]byte(r.Body), &body)
	if body["source"] != "voice" {
		t.Errorf("source = %v", body["source"])
	}
	if items, _ := body["action_items"].([]any); len(items) != 1 {
		t.Errorf("action_items = %v", body["action_items"])
	}
}

func TestRemoteNotes_WrapsPersistenceFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"note persistence failed","type":"api_error"}}`))
	}))
	defer ts.Close()

	remote := remoteNotes{client: &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}}
	_, err := remote.Create(ctx, notes.Draft{Content: "x"})
	if !errors.Is(err, notes.ErrPersistenceFailed) {
		t.Fatalf("error = %v, want ErrPersistenceFailed", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %q, want status", err)
	}
}

func TestRemoteNotes_EnqueueRecategorize(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /notes/n-1/recategorize": `{"id":"n-1","status":"queued"}`})

	if err := (remoteNotes{client: ts.client()}).EnqueueRecategorize(ctx, "n-1"); err != nil {
		t.Fatalf("EnqueueRecategorize: %v", err)
	}
	if ts.requests[0].Method != "POST" {
		t.Errorf("method = %q", ts.requests[0].Method)
	}
}

func TestUploadAudio(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/captures" {
			t.Errorf("path = %q", r.URL.Path)
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "RIFF" || hdr.Filename != "memo.wav" {
			t.Errorf("file = %q (%s)", data, hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part content type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session_id":"s1","outcome":"success","stage":"persisting","note":` + noteJSON + `,"message":"Note saved."}`))
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "memo.wav")
	os.WriteFile(path, []byte("RIFF"), 0o644)

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	var res pipeline.Result
	if err := client.uploadAudio(ctx, path, &res); err != nil {
		t.Fatalf("uploadAudio: %v", err)
	}
	if res.Outcome != pipeline.OutcomeSuccess || res.Note == nil || res.Note.ID != "n-123" {
		t.Errorf("result = %+v", res)
	}
}

func TestReportResult(t *testing.T) {
	n := notes.Note{ID: "n-1", Title: "t"}
	if err := reportResult(pipeline.Result{Outcome: pipeline.OutcomeSuccess, Note: &n, Message: pipeline.NoticeSaved}); err != nil {
		t.Errorf("success: %v", err)
	}
	if err := reportResult(pipeline.Result{Outcome: pipeline.OutcomeAborted, Message: pipeline.NoticeNoSpeech}); err != nil {
		t.Errorf("aborted: %v", err)
	}
	err := reportResult(pipeline.Result{Outcome: pipeline.OutcomeFailed, Stage: pipeline.StatePersisting, Message: "boom"})
	if err == nil || !strings.Contains(err.Error(), "persisting") {
		t.Errorf("failed: %v", err)
	}
}

func TestImportPaths(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /notes": noteJSON})
	dir := t.TempDir()

	md := filepath.Join(dir, "groceries.md")
	os.WriteFile(md, []byte("---\ntitle: Groceries\ntags: [home]\n---\n\nBuy milk\n"), 0o644)

	var jsonl bytes.Buffer
	importer.WriteJSONL(&jsonl, []notes.Note{
		{ID: "a", Title: "A", Content: "first"},
		{ID: "b", Title: "B", Content: "second"},
	})
	jl := filepath.Join(dir, "backup.jsonl")
	os.WriteFile(jl, jsonl.Bytes(), 0o644)

	bad := filepath.Join(dir, "song.mp3")
	os.WriteFile(bad, []byte("ID3"), 0o644)

	imported, failures := importPaths(ctx, ts.client(), []string{md, jl, bad})
	if imported != 3 || failures != 1 {
		t.Errorf("imported=%d failures=%d, want 3 and 1", imported, failures)
	}
	for _, r := range ts.requests {
		if r.IdempotencyKey == "" {
			t.Errorf("request without idempotency key: %s", r.Body)
		}
	}
}

func TestExportMarkdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	n := notes.Note{ID: "abcdef123456", Title: "Call John", Content: "About the lease", Category: notes.CategoryReminder}

	if err := exportMarkdown(dir, []notes.Note{n}); err != nil {
		t.Fatalf("exportMarkdown: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, importer.Filename(n)))
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	d, err := importer.ParseMarkdown(data, "x.md")
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	if d.Title != "Call John" || d.Content != "About the lease" || d.Category != notes.CategoryReminder {
		t.Errorf("round trip = %+v", d)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	c := color.New(color.FgGreen)
	c.EnableColor()

	noColor = true
	if result := colorize(c, "test message"); result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	if result := colorize(c, "test message"); !strings.Contains(result, "\x1b[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/notes")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: unauthorized" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.OpenRouter.APIKey = "sk-secret"

	var port, key string
	for _, k := range config.ShowAll(cfg) {
		switch k.Key {
		case "server.port":
			port = k.Value
		case "openrouter.api_key":
			key = k.Value
		}
	}
	if port != "4100" {
		t.Errorf("server.port = %q", port)
	}
	if key != "(set)" {
		t.Errorf("openrouter.api_key = %q, want masked", key)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
