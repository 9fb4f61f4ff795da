package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/voxnote/internal/api"
	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/config"
	"github.com/kalambet/voxnote/internal/notes"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *apiClient) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is voxnote running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// createNote stores d on the server. The draft's idempotency key, when set,
// is sent as the Idempotency-Key header so a repeated call returns the
// note stored the first time.
func (c *apiClient) createNote(ctx context.Context, d notes.Draft) (notes.Note, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/notes", api.CreateNoteRequest{
		Type:        "text",
		Title:       d.Title,
		Content:     d.Content,
		Tags:        d.Tags,
		Category:    string(d.Category),
		Subcategory: d.Subcategory,
		Priority:    string(d.Priority),
		Pinned:      d.Pinned,
		Source:      string(d.Source),
		ActionItems: d.ActionItems,
		Entities:    d.Entities,
	})
	if err != nil {
		return notes.Note{}, err
	}
	if d.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	}
	resp, err := c.send(req)
	if err != nil {
		return notes.Note{}, err
	}
	var n notes.Note
	if err := decodeJSON(resp, &n); err != nil {
		return notes.Note{}, err
	}
	return n, nil
}

// uploadAudio posts the file at path to /captures as multipart field "audio".
func (c *apiClient) uploadAudio(ctx context.Context, path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", capture.FormatForFile(path).ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/captures", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("server returned %d: %w", resp.StatusCode, err)
	}
	return nil
}

// errorEnvelope mirrors the API's JSON error body.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var env errorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// remoteNotes lets a locally running capture pipeline store its notes and
// queue recategorization on the server.
type remoteNotes struct {
	client *apiClient
}

func (r remoteNotes) Create(ctx context.Context, d notes.Draft) (notes.Note, error) {
	n, err := r.client.createNote(ctx, d)
	if err != nil {
		return notes.Note{}, fmt.Errorf("%w: %w", notes.ErrPersistenceFailed, err)
	}
	return n, nil
}

func (r remoteNotes) EnqueueRecategorize(ctx context.Context, noteID string) error {
	resp, err := r.client.post(ctx, "/notes/"+noteID+"/recategorize", nil)
	if err != nil {
		return err
	}
	var out map[string]string
	return decodeJSON(resp, &out)
}
