package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/pipeline"
)

const maxAudioUploadSize = 100 << 20 // 100MB

// handleCapture accepts a multipart upload with the recording in the
// "audio" field and runs it through the pipeline.
func handleCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Captures == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "capture pipeline is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadSize)
		defer r.Body.Close()

		f, hdr, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file is required: %v", err)
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading audio: %v", err)
			return
		}

		format := capture.FormatForFile(hdr.Filename)
		if ct := hdr.Header.Get("Content-Type"); strings.HasPrefix(ct, "audio/") {
			format.ContentType = ct
		}

		res := deps.Captures.Process(r.Context(), capture.Recording{Audio: data, Format: format})
		logResult(deps, res)
		writeJSON(w, resultStatus(res), res)
	}
}

// handleRetryCapture stores the draft of a capture whose persist failed.
func handleRetryCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Captures == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "capture pipeline is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var d notes.Draft
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if d.IdempotencyKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "idempotency_key is required")
			return
		}
		if strings.TrimSpace(d.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		res := deps.Captures.PersistDraft(r.Context(), d)
		logResult(deps, res)
		writeJSON(w, resultStatus(res), res)
	}
}

func resultStatus(res pipeline.Result) int {
	switch res.Outcome {
	case pipeline.OutcomeSuccess:
		return http.StatusCreated
	case pipeline.OutcomeAborted:
		if res.Message == pipeline.NoticeNoSpeech {
			return http.StatusUnprocessableEntity
		}
		return http.StatusRequestTimeout
	}
	switch {
	case res.Stage == pipeline.StateTranscribing:
		return http.StatusBadGateway
	case res.Stage == pipeline.StatePersisting, errors.Is(res.Err, notes.ErrPersistenceFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func logResult(deps Deps, res pipeline.Result) {
	logger := deps.Logger.With("session_id", res.SessionID, "outcome", res.Outcome, "stage", res.Stage)
	if res.Outcome == pipeline.OutcomeFailed {
		logger.Warn("capture failed", "error", res.Err)
		return
	}
	if res.Note != nil {
		logger = logger.With("note_id", res.Note.ID)
	}
	logger.Info("capture settled")
}
