package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/pipeline"
)

type fakeCaptures struct {
	res      pipeline.Result
	gotRec   capture.Recording
	gotDraft notes.Draft
}

func (f *fakeCaptures) Process(_ context.Context, rec capture.Recording) pipeline.Result {
	f.gotRec = rec
	return f.res
}

func (f *fakeCaptures) PersistDraft(_ context.Context, d notes.Draft) pipeline.Result {
	f.gotDraft = d
	return f.res
}

func uploadReq(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/captures", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCapture_Success(t *testing.T) {
	fc := &fakeCaptures{res: pipeline.Result{
		SessionID: "s1",
		Outcome:   pipeline.OutcomeSuccess,
		Stage:     pipeline.StatePersisting,
		Note:      &notes.Note{ID: "n1", Title: "Buy milk"},
		Message:   pipeline.NoticeSaved,
	}}
	h, _ := setupHandler(t, fc)

	rr := serve(h, uploadReq(t, "memo.m4a", "", []byte("audio-bytes")))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if string(fc.gotRec.Audio) != "audio-bytes" {
		t.Errorf("audio = %q", fc.gotRec.Audio)
	}
	if fc.gotRec.Format.ContentType != "audio/mp4" {
		t.Errorf("content type = %q", fc.gotRec.Format.ContentType)
	}

	var res pipeline.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Note == nil || res.Note.ID != "n1" || res.Message != pipeline.NoticeSaved {
		t.Errorf("result = %+v", res)
	}
}

func TestCapture_PartContentTypeWins(t *testing.T) {
	fc := &fakeCaptures{res: pipeline.Result{Outcome: pipeline.OutcomeSuccess}}
	h, _ := setupHandler(t, fc)

	serve(h, uploadReq(t, "blob", "audio/ogg", []byte("x")))
	if fc.gotRec.Format.ContentType != "audio/ogg" {
		t.Errorf("content type = %q, want audio/ogg", fc.gotRec.Format.ContentType)
	}
}

func TestCapture_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		res  pipeline.Result
		want int
	}{
		{
			name: "no speech",
			res:  pipeline.Result{Outcome: pipeline.OutcomeAborted, Stage: pipeline.StateTranscribing, Message: pipeline.NoticeNoSpeech},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "cancelled",
			res:  pipeline.Result{Outcome: pipeline.OutcomeAborted, Stage: pipeline.StateCategorizing, Message: pipeline.NoticeCancelled},
			want: http.StatusRequestTimeout,
		},
		{
			name: "transcription failed",
			res:  pipeline.Result{Outcome: pipeline.OutcomeFailed, Stage: pipeline.StateTranscribing, Err: errors.New("503")},
			want: http.StatusBadGateway,
		},
		{
			name: "persist failed",
			res: pipeline.Result{
				Outcome: pipeline.OutcomeFailed,
				Stage:   pipeline.StatePersisting,
				Draft:   &notes.Draft{IdempotencyKey: "capture:s1", Content: "Buy milk"},
				Err:     notes.ErrPersistenceFailed,
			},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "other failure",
			res:  pipeline.Result{Outcome: pipeline.OutcomeFailed, Stage: pipeline.StateRecording},
			want: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupHandler(t, &fakeCaptures{res: tt.res})
			rr := serve(h, uploadReq(t, "a.wav", "", []byte("x")))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestCapture_PersistFailureEchoesDraft(t *testing.T) {
	fc := &fakeCaptures{res: pipeline.Result{
		Outcome: pipeline.OutcomeFailed,
		Stage:   pipeline.StatePersisting,
		Draft:   &notes.Draft{IdempotencyKey: "capture:s1", Content: "Buy milk"},
	}}
	h, _ := setupHandler(t, fc)

	rr := serve(h, uploadReq(t, "a.wav", "", []byte("x")))
	var res pipeline.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Draft == nil || res.Draft.IdempotencyKey != "capture:s1" {
		t.Errorf("draft = %+v", res.Draft)
	}
}

func TestCapture_MissingFile(t *testing.T) {
	h, _ := setupHandler(t, &fakeCaptures{})
	rr := serve(h, authReq(http.MethodPost, "/captures", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCapture_NotConfigured(t *testing.T) {
	h, _ := setupHandler(t, nil)
	rr := serve(h, uploadReq(t, "a.wav", "", []byte("x")))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestRetryCapture(t *testing.T) {
	fc := &fakeCaptures{res: pipeline.Result{Outcome: pipeline.OutcomeSuccess, Note: &notes.Note{ID: "n1"}}}
	h, _ := setupHandler(t, fc)

	rr := serve(h, authReq(http.MethodPost, "/captures/retry", `{"idempotency_key":"capture:s1","content":"Buy milk","category":"task"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if fc.gotDraft.IdempotencyKey != "capture:s1" || fc.gotDraft.Category != notes.CategoryTask {
		t.Errorf("draft = %+v", fc.gotDraft)
	}
}

func TestRetryCapture_Validation(t *testing.T) {
	h, _ := setupHandler(t, &fakeCaptures{})

	for _, body := range []string{`{"content":"x"}`, `{"idempotency_key":"k","content":" "}`, `not json`} {
		rr := serve(h, authReq(http.MethodPost, "/captures/retry", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
}
