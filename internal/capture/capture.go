// Package capture owns the audio input device for a capture session. It
// buffers the raw audio, fans frames out to a live recognizer and reports
// partial transcripts while recording.
package capture

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrDeviceDenied means the OS or the recorder refused microphone access.
	ErrDeviceDenied = errors.New("microphone access denied")
	// ErrDeviceUnavailable means no usable input device or recorder exists.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrDeviceBusy means another capture session holds the device.
	ErrDeviceBusy = errors.New("microphone busy")
	// ErrNotRecording is returned by Stop on a session that is not recording.
	ErrNotRecording = errors.New("capture session is not recording")
	// ErrLiveNetwork marks a live recognizer failure that should fall back to
	// batch transcription.
	ErrLiveNetwork = errors.New("live recognizer network failure")
)

// Format describes the bytes a Stream produces.
type Format struct {
	Encoding    string // "s16le" for raw PCM; empty when the bytes are already a container
	SampleRate  int
	Channels    int
	ContentType string
	Ext         string
}

// PCM16 is the raw format produced by the default recorder command.
var PCM16 = Format{Encoding: "s16le", SampleRate: 16000, Channels: 1, ContentType: "audio/L16", Ext: "pcm"}

// Raw reports whether the bytes are headerless PCM.
func (f Format) Raw() bool { return f.Encoding == "s16le" }

// bytesPerSecond is zero for container formats.
func (f Format) bytesPerSecond() int {
	if !f.Raw() {
		return 0
	}
	return f.SampleRate * f.Channels * 2
}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// FormatForFile guesses the container format from a file name.
func FormatForFile(name string) Format {
	ext := strings.ToLower(filepath.Ext(name))
	ct, ok := contentTypes[ext]
	if !ok {
		ct = "application/octet-stream"
	}
	return Format{ContentType: ct, Ext: strings.TrimPrefix(ext, ".")}
}

// Stream is an open audio source.
type Stream interface {
	io.ReadCloser
	Format() Format
}

// Device opens an audio Stream. Implementations map platform failures onto
// ErrDeviceDenied and ErrDeviceUnavailable.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Lock guards exclusive use of the input device within the process.
type Lock struct {
	held atomic.Bool
}

// DefaultLock is shared by every session that does not bring its own.
var DefaultLock = &Lock{}

// TryAcquire takes the lock or fails with ErrDeviceBusy.
func (l *Lock) TryAcquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrDeviceBusy
	}
	return nil
}

func (l *Lock) Release() { l.held.Store(false) }

func (l *Lock) Held() bool { return l.held.Load() }

type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
)

// Event is a recognizer update. Text carries the transcript for partial and
// final events; Message carries the recognizer's error code.
type Event struct {
	Kind    EventKind
	Text    string
	Message string
}

// Recognizer turns audio frames into transcript events while recording.
// frames is closed at end of audio; Recognize should emit its final event and
// return once it has.
type Recognizer interface {
	Recognize(ctx context.Context, frames <-chan []byte, events chan<- Event) error
}

// Recording is the result of a stopped session.
type Recording struct {
	Audio          []byte
	Format         Format
	LiveTranscript string // joined final events; empty if the recognizer produced none
	LastPartial    string
	LiveErr        error
	Duration       time.Duration

	// IdempotencyKey, when set, replaces the per-session key so the same
	// audio stored twice yields one note.
	IdempotencyKey string
}

// HasAudio reports whether any audio bytes were captured.
func (r Recording) HasAudio() bool { return len(r.Audio) > 0 }

// Upload returns the audio in a form a batch transcription service accepts.
// Raw PCM is wrapped in a WAV container.
func (r Recording) Upload() (data []byte, contentType, filename string) {
	if r.Format.Raw() {
		return EncodeWAV(r.Audio, r.Format), "audio/wav", "capture.wav"
	}
	ext := r.Format.Ext
	if ext == "" {
		ext = "bin"
	}
	ct := r.Format.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return r.Audio, ct, "capture." + ext
}
