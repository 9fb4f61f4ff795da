package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/notes"
)

// Capture is one attempt to turn a recording into a note. Stages run
// strictly in order in the goroutine that calls Stop, Process or
// RetryPersist; Cancel may be called from any goroutine.
type Capture struct {
	p      *Pipeline
	id     string
	key    string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	rec    Recorder
	draft  *notes.Draft
	result Result
	done   chan struct{}
}

// NewCapture returns an idle capture with a fresh session id and
// idempotency key.
func (p *Pipeline) NewCapture() *Capture {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Capture{
		p:      p,
		id:     id,
		key:    "capture:" + id,
		logger: p.logger.With("session_id", id),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (c *Capture) ID() string { return c.id }

// State returns the current state.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the capture settles.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Result returns the terminal result, or false while the capture is running.
func (c *Capture) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.state == StateSettled
}

// Start acquires the device and begins recording. A device error settles the
// capture as failed and is returned.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if c.p.deps.NewRecorder == nil {
		c.mu.Unlock()
		err := fmt.Errorf("no recorder configured: %w", capture.ErrDeviceUnavailable)
		c.settle(Result{Outcome: OutcomeFailed, Stage: StateRecording, Err: err})
		return err
	}
	rec := c.p.deps.NewRecorder()
	c.rec = rec
	c.state = StateRecording
	c.mu.Unlock()

	if err := rec.Start(c.context(ctx)); err != nil {
		rec.Abort()
		c.logger.Warn("capture failed to start", "error", err)
		c.settle(Result{Outcome: OutcomeFailed, Stage: StateRecording, Err: err})
		return err
	}

	c.emit(Status{State: StateRecording})
	go c.forwardPartials(rec.Events())
	return nil
}

func (c *Capture) forwardPartials(events <-chan capture.Event) {
	for ev := range events {
		if ev.Kind == capture.EventPartial || ev.Kind == capture.EventFinal {
			c.emit(Status{State: StateRecording, Partial: ev.Text})
		}
	}
}

// Stop ends recording and runs the remaining stages to a terminal state. The
// returned error is non-nil only when the capture was not recording; every
// other outcome is reported in the Result.
func (c *Capture) Stop(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return Result{}, ErrInvalidState
	}
	rec := c.rec
	c.state = StateTranscribing
	c.mu.Unlock()
	c.emit(Status{State: StateTranscribing})

	runCtx, done := c.run(ctx)
	defer done()

	recording, err := rec.Stop(runCtx)
	if err != nil {
		rec.Abort()
		if c.ctx.Err() != nil {
			return c.abort(), nil
		}
		return c.settle(Result{Outcome: OutcomeFailed, Stage: StateRecording, Err: err}), nil
	}
	return c.process(ctx, recording), nil
}

// Cancel aborts the capture from any state. In-flight calls are cancelled
// and the device is released. A capture that is already persisting settles
// by the outcome of that write, since a committed write cannot be undone.
func (c *Capture) Cancel() {
	c.cancel()

	c.mu.Lock()
	rec, state := c.rec, c.state
	c.mu.Unlock()

	if rec != nil {
		rec.Abort()
	}
	if state == StatePersisting || state == StateSettled {
		return
	}
	c.abort()
}

// RetryPersist stores the preserved draft of a capture that failed while
// persisting. The same idempotency key is reused so no duplicate is created.
func (c *Capture) RetryPersist(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateSettled || c.result.Outcome != OutcomeFailed || c.draft == nil {
		c.mu.Unlock()
		return Result{}, ErrInvalidState
	}
	c.state = StatePersisting
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.emit(Status{State: StatePersisting})

	return c.persist(ctx), nil
}

// process runs transcribing, categorizing and persisting.
func (c *Capture) process(ctx context.Context, recording capture.Recording) Result {
	runCtx, done := c.run(ctx)
	defer done()

	tctx, cancel := context.WithTimeout(runCtx, c.p.deps.TranscribeTimeout)
	tr, err := c.p.deps.Transcriber.Resolve(tctx, recording)
	cancel()
	if c.ctx.Err() != nil {
		return c.abort()
	}
	if err != nil {
		c.logger.Warn("transcription failed", "error", err)
		return c.settle(Result{Outcome: OutcomeFailed, Stage: StateTranscribing, Err: err})
	}
	if tr.Empty {
		c.logger.Info("no speech detected", "source", tr.Source)
		return c.settle(Result{Outcome: OutcomeAborted, Stage: StateTranscribing, TranscriptSource: tr.Source, Message: NoticeNoSpeech})
	}

	if !c.advance(StateTranscribing, StateCategorizing) {
		return c.abort()
	}
	var meta categorize.Result
	if c.p.deps.Categorizer != nil {
		meta = c.p.deps.Categorizer.Categorize(runCtx, tr.Text)
	} else {
		meta = categorize.Defaults()
	}

	draft := meta.ApplyTo(notes.Draft{
		ID:             uuid.NewString(),
		IdempotencyKey: c.key,
		Content:        tr.Text,
		Source:         notes.SourceVoice,
	})

	c.mu.Lock()
	c.draft = &draft
	c.result.Transcript = tr.Text
	c.result.TranscriptSource = tr.Source
	c.result.Categorization = meta
	c.mu.Unlock()

	// No store side effects once the user has cancelled.
	if !c.advance(StateCategorizing, StatePersisting) {
		return c.abort()
	}
	return c.persist(ctx)
}

// persist stores the draft. The write is detached from Cancel and from the
// caller's context so that the in-memory collection and the durable store
// agree on its outcome; PersistTimeout bounds it instead.
func (c *Capture) persist(ctx context.Context) Result {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.p.deps.PersistTimeout)
	defer cancel()

	c.mu.Lock()
	draft := *c.draft
	c.mu.Unlock()

	note, err := c.p.deps.Notes.Create(pctx, draft)
	if err != nil {
		c.logger.Error("persisting note failed", "error", err)
		return c.settle(Result{Outcome: OutcomeFailed, Stage: StatePersisting, Draft: &draft, Err: err})
	}

	c.mu.Lock()
	degraded := c.result.Categorization.Degraded
	c.mu.Unlock()
	if degraded && c.p.deps.Followups != nil {
		if err := c.p.deps.Followups.EnqueueRecategorize(context.WithoutCancel(ctx), note.ID); err != nil {
			c.logger.Warn("scheduling recategorization failed", "note_id", note.ID, "error", err)
		}
	}

	c.logger.Info("note captured", "note_id", note.ID, "category", note.Category)
	return c.settle(Result{Outcome: OutcomeSuccess, Stage: StatePersisting, Note: &note, Message: NoticeSaved})
}

// run derives a context from parent that is also cancelled by Cancel.
func (c *Capture) run(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// context is like run for calls whose context must outlive Start.
func (c *Capture) context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	context.AfterFunc(c.ctx, cancel)
	return ctx
}

// advance moves from one running state to the next. It reports false when
// the capture was cancelled or settled in between.
func (c *Capture) advance(from, to State) bool {
	c.mu.Lock()
	if c.state != from || c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.emit(Status{State: to})
	return true
}

func (c *Capture) abort() Result {
	c.mu.Lock()
	stage := c.state
	c.mu.Unlock()
	return c.settle(Result{Outcome: OutcomeAborted, Stage: stage, Message: NoticeCancelled, Err: context.Canceled})
}

// settle records the terminal result once. Transcript and categorization
// gathered so far are carried over. Later calls return the first result.
func (c *Capture) settle(r Result) Result {
	c.mu.Lock()
	if c.state == StateSettled {
		res := c.result
		c.mu.Unlock()
		return res
	}
	r.SessionID = c.id
	if r.Transcript == "" {
		r.Transcript = c.result.Transcript
	}
	if r.TranscriptSource == "" {
		r.TranscriptSource = c.result.TranscriptSource
	}
	if r.Categorization.Category == "" {
		r.Categorization = c.result.Categorization
	}
	if r.Message == "" {
		r.Message = Notice(r.Err)
	}
	c.state = StateSettled
	c.result = r
	done := c.done
	c.mu.Unlock()

	close(done)
	c.emit(Status{State: StateSettled, Outcome: r.Outcome, Message: r.Message, Err: r.Err})
	if r.Outcome != OutcomeFailed {
		c.cancel()
	}
	return r
}

func (c *Capture) emit(st Status) {
	st.SessionID = c.id
	c.p.publish(st)
}

// IsRetryable reports whether r can be retried with RetryPersist.
func (r Result) IsRetryable() bool {
	return r.Outcome == OutcomeFailed && r.Stage == StatePersisting && r.Draft != nil
}
