package pipeline

import (
	"context"
	"errors"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/transcribe"
)

type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateCategorizing State = "categorizing"
	StatePersisting   State = "persisting"
	StateSettled      State = "settled"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// Status is a progress update for one capture. Partial carries the live
// recognizer's latest partial transcript while recording.
type Status struct {
	SessionID string  `json:"session_id"`
	State     State   `json:"state"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Message   string  `json:"message,omitempty"`
	Partial   string  `json:"partial,omitempty"`
	Err       error   `json:"-"`
}

// Result is the terminal outcome of a capture. Stage is the state the
// capture was in when it settled. A failed persist keeps Draft so it can be
// retried without recording again.
type Result struct {
	SessionID        string            `json:"session_id"`
	Outcome          Outcome           `json:"outcome"`
	Stage            State             `json:"stage"`
	Transcript       string            `json:"transcript,omitempty"`
	TranscriptSource transcribe.Source `json:"transcript_source,omitempty"`
	Categorization   categorize.Result `json:"categorization"`
	Note             *notes.Note       `json:"note,omitempty"`
	Draft            *notes.Draft      `json:"draft,omitempty"`
	Message          string            `json:"message,omitempty"`
	Err              error             `json:"-"`
}

const (
	NoticeSaved     = "Note saved."
	NoticeNoSpeech  = "No speech detected."
	NoticeCancelled = "Capture cancelled."
)

// Notice turns err into a short message for the user.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return NoticeCancelled
	case errors.Is(err, capture.ErrDeviceDenied):
		return "Microphone access was denied."
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "No microphone is available."
	case errors.Is(err, capture.ErrDeviceBusy):
		return "The microphone is already in use."
	case errors.Is(err, transcribe.ErrTranscriptionUnavailable):
		return "Transcription is unavailable right now. Try again in a moment."
	case errors.Is(err, transcribe.ErrDeviceOrNetwork):
		return "The recording could not be transcribed."
	case errors.Is(err, notes.ErrPersistenceFailed):
		return "The note could not be saved. Your transcript is kept, retry to save it."
	case errors.Is(err, notes.ErrEmptyContent):
		return NoticeNoSpeech
	default:
		return "Something went wrong."
	}
}
