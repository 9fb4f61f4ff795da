package tui

import (
	"time"

	"github.com/kalambet/voxnote/internal/pipeline"
)

// startedMsg reports the result of starting the capture.
type startedMsg struct{ err error }

// statusMsg carries one progress update for this capture.
type statusMsg pipeline.Status

// resultMsg is sent when a stop, cancel or retry settles the capture.
type resultMsg struct {
	res pipeline.Result
	err error
}

// tickMsg drives the elapsed-time display.
type tickMsg time.Time

// updatesClosedMsg is sent when the status subscription ends.
type updatesClosedMsg struct{}
