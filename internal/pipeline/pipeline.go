// Package pipeline runs voice captures from recording to a stored note:
// record, transcribe, categorize, persist, settle.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/transcribe"
)

const (
	defaultTranscribeTimeout = 3*time.Minute + 10*time.Second
	defaultPersistTimeout    = 45 * time.Second
)

// ErrInvalidState is returned when a capture operation is called in a state
// that does not allow it.
var ErrInvalidState = errors.New("capture is not in a state that allows this")

// Recorder is one capture session. *capture.Session satisfies it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (capture.Recording, error)
	Abort()
	Events() <-chan capture.Event
}

// Transcriber resolves the transcript of a recording. *transcribe.Strategy
// satisfies it.
type Transcriber interface {
	Resolve(ctx context.Context, rec capture.Recording) (transcribe.Result, error)
}

// Categorizer produces metadata for a transcript and never fails.
// *categorize.Categorizer satisfies it.
type Categorizer interface {
	Categorize(ctx context.Context, transcript string) categorize.Result
}

// NoteCreator stores drafts. *notes.Store satisfies it.
type NoteCreator interface {
	Create(ctx context.Context, d notes.Draft) (notes.Note, error)
}

// Followups schedules later work for notes stored with degraded metadata.
type Followups interface {
	EnqueueRecategorize(ctx context.Context, noteID string) error
}

// Deps are the collaborators of a Pipeline. NewRecorder may be nil when only
// Process and PersistDraft are used.
type Deps struct {
	NewRecorder       func() Recorder
	Transcriber       Transcriber
	Categorizer       Categorizer
	Notes             NoteCreator
	Followups         Followups
	TranscribeTimeout time.Duration
	PersistTimeout    time.Duration
	Logger            *slog.Logger
}

// Pipeline creates captures and fans their status out to subscribers.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger

	subMu sync.Mutex
	subs  map[int]chan Status
	next  int
}

// New returns a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TranscribeTimeout <= 0 {
		deps.TranscribeTimeout = defaultTranscribeTimeout
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = defaultPersistTimeout
	}
	return &Pipeline{deps: deps, logger: deps.Logger, subs: make(map[int]chan Status)}
}

// Subscribe delivers the status of every capture. Slow subscribers miss
// updates. Call the returned func to unsubscribe.
func (p *Pipeline) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	p.subMu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

func (p *Pipeline) publish(st Status) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Process runs the post-recording half on a finished recording, as for an
// uploaded or dropped audio file.
func (p *Pipeline) Process(ctx context.Context, rec capture.Recording) Result {
	c := p.NewCapture()
	c.mu.Lock()
	if rec.IdempotencyKey != "" {
		c.key = rec.IdempotencyKey
	}
	c.state = StateTranscribing
	c.mu.Unlock()
	c.emit(Status{State: StateTranscribing})
	return c.process(ctx, rec)
}

// PersistDraft stores a draft returned by an earlier failed capture. The
// draft's idempotency key makes the retry safe.
func (p *Pipeline) PersistDraft(ctx context.Context, d notes.Draft) Result {
	c := p.NewCapture()
	c.mu.Lock()
	c.state = StatePersisting
	c.draft = &d
	c.mu.Unlock()
	c.emit(Status{State: StatePersisting})
	return c.persist(ctx)
}
