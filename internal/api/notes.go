package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/importer"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/pipeline"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 50
	maxListLimit       = 500
)

// NoteStore is the note collection the API reads and writes.
// *notes.Store satisfies it.
type NoteStore interface {
	Create(ctx context.Context, d notes.Draft) (notes.Note, error)
	Update(ctx context.Context, id string, p notes.Patch) (notes.Note, error)
	TogglePin(ctx context.Context, id string) (notes.Note, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (notes.Note, bool)
	List(f notes.Filter) []notes.Note
}

// Captures runs uploaded recordings through the capture pipeline.
// *pipeline.Pipeline satisfies it.
type Captures interface {
	Process(ctx context.Context, rec capture.Recording) pipeline.Result
	PersistDraft(ctx context.Context, d notes.Draft) pipeline.Result
}

type Deps struct {
	Notes      NoteStore
	Captures   Captures           // optional; capture routes answer 503 without it
	Followups  pipeline.Followups // optional; recategorize answers 503 without it
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CreateNoteRequest is the body of POST /notes. Type "url" fetches URL and
// stores its readable text; anything else stores Content.
type CreateNoteRequest struct {
	Type        string              `json:"type"`
	Title       string              `json:"title"`
	Content     string              `json:"content"`
	URL         string              `json:"url"`
	Tags        []string            `json:"tags"`
	Category    string              `json:"category"`
	Subcategory string              `json:"subcategory"`
	Priority    string              `json:"priority"`
	Pinned      bool                `json:"pinned"`
	Source      string              `json:"source"`
	ActionItems []string            `json:"action_items"`
	Entities    map[string][]string `json:"entities"`
}

// NewHandler returns the HTTP API. /health is public; every other route
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token, deps.Logger))

		r.Get("/notes", handleListNotes(deps))
		r.Post("/notes", handleCreateNote(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Patch("/notes/{id}", handlePatchNote(deps))
		r.Post("/notes/{id}/pin", handlePinNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))
		r.Post("/notes/{id}/recategorize", handleRecategorize(deps))

		r.Post("/captures", handleCapture(deps))
		r.Post("/captures/retry", handleRetryCapture(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := notes.Filter{
			Tag:   strings.ToLower(strings.TrimSpace(q.Get("tag"))),
			Limit: parseIntParam(r, "limit", defaultListLimit, maxListLimit),
		}
		if c := q.Get("category"); c != "" {
			f.Category = notes.ParseCategory(c)
		}
		if s := q.Get("source"); s != "" {
			f.Source = notes.ParseSource(s)
		}
		if p := q.Get("pinned"); p != "" {
			pinned, err := strconv.ParseBool(p)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "pinned must be true or false")
				return
			}
			f.Pinned = &pinned
		}

		writeJSON(w, http.StatusOK, deps.Notes.List(f))
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := deps.Notes.Get(chi.URLParam(r, "id"))
		if !ok {
			noteError(w, notes.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var d notes.Draft
		switch req.Type {
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()

			var err error
			d, err = importer.FetchURL(ctx, deps.HTTPClient, req.URL)
			if errors.Is(err, importer.ErrUnsupported) {
				httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
				return
			}
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to import url: %v", err)
				return
			}
			if req.Title != "" {
				d.Title = req.Title
			}
			d.Tags = append(d.Tags, req.Tags...)
		case "", "text":
			d = notes.Draft{
				Title:       req.Title,
				Content:     req.Content,
				Tags:        req.Tags,
				Subcategory: req.Subcategory,
				Source:      notes.ParseSource(req.Source),
				ActionItems: req.ActionItems,
				Entities:    req.Entities,
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q", req.Type)
			return
		}

		d.Category = notes.Category(req.Category)
		d.Priority = notes.Priority(req.Priority)
		d.Pinned = req.Pinned
		if k := r.Header.Get("Idempotency-Key"); k != "" {
			d.IdempotencyKey = k
		}

		n, err := deps.Notes.Create(r.Context(), d)
		if err != nil {
			noteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handlePatchNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var p notes.Patch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		n, err := deps.Notes.Update(r.Context(), chi.URLParam(r, "id"), p)
		if err != nil {
			noteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handlePinNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Notes.TogglePin(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			noteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Notes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			noteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRecategorize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Followups == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "background categorization is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		if _, ok := deps.Notes.Get(id); !ok {
			noteError(w, notes.ErrNotFound)
			return
		}
		if err := deps.Followups.EnqueueRecategorize(r.Context(), id); err != nil {
			deps.Logger.Error("enqueue recategorize failed", "note_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue categorization")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}
