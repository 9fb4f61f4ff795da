// Package transcribe resolves the transcript of a recording: the live
// recognizer's final text when present, otherwise the batch service.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/voxnote/internal/capture"
)

type Source string

const (
	SourceLive  Source = "live"
	SourceBatch Source = "batch"
	SourceNone  Source = "none"
)

// Result is the outcome of Resolve. Empty is set when neither path produced
// any speech; it is not an error.
type Result struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
	Empty  bool   `json:"empty"`
}

// Batch transcribes a complete recording. *Client satisfies it.
type Batch interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Strategy picks between the live transcript and batch transcription.
type Strategy struct {
	batch  Batch
	logger *slog.Logger
}

// NewStrategy returns a Strategy. batch may be nil when no service is
// configured; recordings without a live transcript then fail.
func NewStrategy(batch Batch) *Strategy {
	return &Strategy{batch: batch, logger: slog.Default()}
}

// Resolve returns the transcript for rec. A live transcript is used as is
// unless the recognizer failed mid-session; then the batch service runs over
// the full audio and the partial live text is kept only if batch yields
// nothing.
func (s *Strategy) Resolve(ctx context.Context, rec capture.Recording) (Result, error) {
	live := strings.TrimSpace(rec.LiveTranscript)
	if live != "" && rec.LiveErr == nil {
		return Result{Text: live, Source: SourceLive}, nil
	}
	if rec.LiveErr != nil {
		s.logger.Info("live transcript unavailable, using batch", "error", rec.LiveErr, "live_chars", len(live))
	}

	liveOnly := func(err error) (Result, error) {
		if live != "" {
			s.logger.Warn("batch transcription failed, keeping partial live transcript", "error", err)
			return Result{Text: live, Source: SourceLive}, nil
		}
		return Result{}, err
	}

	if !rec.HasAudio() {
		if live != "" {
			return Result{Text: live, Source: SourceLive}, nil
		}
		return Result{Source: SourceNone, Empty: true}, nil
	}
	if s.batch == nil {
		return liveOnly(fmt.Errorf("%w: no batch transcription service configured", ErrTranscriptionUnavailable))
	}

	data, contentType, filename := rec.Upload()
	text, err := s.batch.Transcribe(ctx, Audio{Data: data, ContentType: contentType, Filename: filename})
	if err != nil {
		return liveOnly(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if live != "" {
			return Result{Text: live, Source: SourceLive}, nil
		}
		return Result{Source: SourceBatch, Empty: true}, nil
	}
	return Result{Text: text, Source: SourceBatch}, nil
}
