package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/engine"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/storage"
	"github.com/kalambet/voxnote/internal/transcribe"
)

// countingBackend wraps a real store, counts inserts and fails the first
// failInserts of them with storage.ErrUnavailable.
type countingBackend struct {
	*storage.Store

	mu          sync.Mutex
	inserts     int
	failInserts int
}

func (b *countingBackend) InsertNote(ctx context.Context, n storage.Note) (storage.Note, error) {
	b.mu.Lock()
	b.inserts++
	if b.failInserts > 0 {
		b.failInserts--
		b.mu.Unlock()
		return storage.Note{}, storage.ErrUnavailable
	}
	b.mu.Unlock()
	return b.Store.InsertNote(ctx, n)
}

func (b *countingBackend) insertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inserts
}

func newNoteStore(t *testing.T, failInserts int) (*notes.Store, *countingBackend) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := &countingBackend{Store: db, failInserts: failInserts}
	s, err := notes.Open(context.Background(), b, "alice", notes.Options{Backoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, b
}

// networkFailingRecognizer drops the live connection straight away.
type networkFailingRecognizer struct{}

func (networkFailingRecognizer) Recognize(ctx context.Context, frames <-chan []byte, events chan<- capture.Event) error {
	return capture.ErrLiveNetwork
}

func recorderFor(lock *capture.Lock, data []byte, rec capture.Recognizer) func() Recorder {
	return func() Recorder {
		return capture.NewSession(capture.Config{
			Device:     &capture.BufferDevice{Data: data, Format: capture.PCM16},
			Recognizer: rec,
			Lock:       lock,
			FinalWait:  200 * time.Millisecond,
		})
	}
}

type slowChatter struct{}

func (slowChatter) Chat(ctx context.Context, model string, _ []engine.Message, _ *engine.Schema) (engine.Reply, error) {
	<-ctx.Done()
	return engine.Reply{}, ctx.Err()
}

type fakeTranscriber struct {
	res   transcribe.Result
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Resolve(ctx context.Context, rec capture.Recording) (transcribe.Result, error) {
	f.calls.Add(1)
	return f.res, f.err
}

type fakeCategorizer struct {
	res     categorize.Result
	entered chan struct{}
	block   bool
}

func (f *fakeCategorizer) Categorize(ctx context.Context, transcript string) categorize.Result {
	if f.entered != nil {
		close(f.entered)
	}
	if f.block {
		<-ctx.Done()
		r := categorize.Defaults()
		r.Degraded = true
		return r
	}
	return f.res
}

type fakeFollowups struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeFollowups) EnqueueRecategorize(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func liveText(text string) *fakeTranscriber {
	return &fakeTranscriber{res: transcribe.Result{Text: text, Source: transcribe.SourceLive}}
}

// Scenario A: the live recognizer fails, batch transcription succeeds after
// one retry and categorization times out.
func TestScenarioA_FallbackRetryAndDegradedCategorization(t *testing.T) {
	const spoken = "Reminder to call John tomorrow at 3pm"

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"transcript":"` + spoken + `"}`))
	}))
	defer srv.Close()

	store, _ := newNoteStore(t, 0)
	lock := &capture.Lock{}
	p := New(Deps{
		NewRecorder: recorderFor(lock, make([]byte, 6400), networkFailingRecognizer{}),
		Transcriber: transcribe.NewStrategy(transcribe.NewClient(srv.URL, "k", transcribe.WithBackoff(time.Millisecond))),
		Categorizer: categorize.New(slowChatter{}, "llama3.2", categorize.WithTimeout(50*time.Millisecond)),
		Notes:       store,
	})

	c := p.NewCapture()
	require.NoError(t, c.Start(context.Background()))
	<-waitInput(t, c)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)

	require.Equal(t, OutcomeSuccess, res.Outcome, res.Message)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, transcribe.SourceBatch, res.TranscriptSource)
	assert.True(t, res.Categorization.Degraded)

	require.NotNil(t, res.Note)
	assert.Equal(t, spoken, res.Note.Content)
	assert.Equal(t, notes.CategoryNote, res.Note.Category)
	assert.Equal(t, []string{}, res.Note.Tags)
	assert.Equal(t, notes.PriorityMedium, res.Note.Priority)
	assert.Equal(t, notes.SourceVoice, res.Note.Source)
	assert.False(t, lock.Held())

	listed := store.List(notes.Filter{})
	require.Len(t, listed, 1)
	assert.Equal(t, res.Note.ID, listed[0].ID)
}

// waitInput waits for the buffer device to be drained.
func waitInput(t *testing.T, c *Capture) <-chan struct{} {
	t.Helper()
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	s, ok := rec.(*capture.Session)
	require.True(t, ok)
	return s.Done()
}

// Scenario B: stop without speaking.
func TestScenarioB_NoSpeechAborts(t *testing.T) {
	store, backend := newNoteStore(t, 0)
	lock := &capture.Lock{}
	p := New(Deps{
		NewRecorder: recorderFor(lock, nil, nil),
		Transcriber: transcribe.NewStrategy(nil),
		Categorizer: &fakeCategorizer{res: categorize.Defaults()},
		Notes:       store,
	})

	c := p.NewCapture()
	require.NoError(t, c.Start(context.Background()))
	res, err := c.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, StateTranscribing, res.Stage)
	assert.Equal(t, NoticeNoSpeech, res.Message)
	assert.Nil(t, res.Note)
	assert.Empty(t, store.List(notes.Filter{}))
	assert.Zero(t, backend.insertCount())
	assert.False(t, lock.Held())
	assert.Equal(t, StateSettled, c.State())
}

// Scenario C: the durable write fails twice, then succeeds.
func TestScenarioC_PersistRetriesWithoutDuplicates(t *testing.T) {
	store, backend := newNoteStore(t, 2)
	p := New(Deps{
		Transcriber: liveText("Buy milk"),
		Categorizer: &fakeCategorizer{res: categorize.Defaults()},
		Notes:       store,
	})

	res := p.Process(context.Background(), capture.Recording{LiveTranscript: "Buy milk"})
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Message)
	assert.Equal(t, 3, backend.insertCount())

	listed := store.List(notes.Filter{})
	require.Len(t, listed, 1)
	assert.Equal(t, "Buy milk", listed[0].Content)
}

// Scenario D: the user cancels while categorizing.
func TestScenarioD_CancelWhileCategorizing(t *testing.T) {
	store, backend := newNoteStore(t, 0)
	lock := &capture.Lock{}
	cat := &fakeCategorizer{entered: make(chan struct{}), block: true}
	p := New(Deps{
		NewRecorder: recorderFor(lock, make([]byte, 3200), nil),
		Transcriber: liveText("Idea for the garden"),
		Categorizer: cat,
		Notes:       store,
	})

	c := p.NewCapture()
	require.NoError(t, c.Start(context.Background()))

	resCh := make(chan Result, 1)
	go func() {
		res, _ := c.Stop(context.Background())
		resCh <- res
	}()

	<-cat.entered
	assert.False(t, lock.Held(), "device must already be released while categorizing")
	c.Cancel()

	select {
	case res := <-resCh:
		assert.Equal(t, OutcomeAborted, res.Outcome)
		assert.Equal(t, StateCategorizing, res.Stage)
		assert.Equal(t, NoticeCancelled, res.Message)
		assert.Nil(t, res.Note)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after Cancel")
	}
	assert.Empty(t, store.List(notes.Filter{}))
	assert.Zero(t, backend.insertCount())
}

// gatedBackend holds every insert until release is closed.
type gatedBackend struct {
	*storage.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBackend) InsertNote(ctx context.Context, n storage.Note) (storage.Note, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Store.InsertNote(ctx, n)
}

func TestCancelWhilePersistingSettlesByWrite(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := &gatedBackend{Store: db, entered: make(chan struct{}), release: make(chan struct{})}
	store, err := notes.Open(context.Background(), backend, "alice", notes.Options{Backoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lock := &capture.Lock{}
	p := New(Deps{
		NewRecorder: recorderFor(lock, make([]byte, 3200), nil),
		Transcriber: liveText("Pick up the parcel"),
		Categorizer: &fakeCategorizer{res: categorize.Defaults()},
		Notes:       store,
	})
	c := p.NewCapture()
	require.NoError(t, c.Start(context.Background()))

	resCh := make(chan Result, 1)
	go func() {
		res, _ := c.Stop(context.Background())
		resCh <- res
	}()

	<-backend.entered
	c.Cancel()
	close(backend.release)

	var res Result
	select {
	case res = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Message)
	require.NotNil(t, res.Note)

	rows, err := db.ListNotes(context.Background(), "alice", 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Len(t, store.List(notes.Filter{}), 1)
}

func TestCancelWhileRecording(t *testing.T) {
	store, _ := newNoteStore(t, 0)
	lock := &capture.Lock{}
	tr := liveText("never")
	p := New(Deps{
		NewRecorder: func() Recorder {
			return capture.NewSession(capture.Config{
				Device: &capture.BufferDevice{Data: make([]byte, 64000), Format: capture.PCM16, Pace: 50 * time.Millisecond},
				Lock:   lock,
			})
		},
		Transcriber: tr,
		Notes:       store,
	})

	c := p.NewCapture()
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, lock.Held())

	c.Cancel()
	<-c.Done()
	res, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, StateRecording, res.Stage)
	assert.False(t, lock.Held())

	_, err := c.Stop(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, tr.calls.Load())
}

func TestStart_DeviceBusy(t *testing.T) {
	store, _ := newNoteStore(t, 0)
	lock := &capture.Lock{}
	require.NoError(t, lock.TryAcquire())
	p := New(Deps{NewRecorder: recorderFor(lock, nil, nil), Transcriber: liveText("x"), Notes: store})

	c := p.NewCapture()
	err := c.Start(context.Background())
	require.ErrorIs(t, err, capture.ErrDeviceBusy)

	res, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateRecording, res.Stage)
	assert.Equal(t, "The microphone is already in use.", res.Message)
	assert.True(t, lock.Held(), "the other holder keeps the device")
}

func TestStart_NoRecorder(t *testing.T) {
	p := New(Deps{Transcriber: liveText("x")})
	err := p.NewCapture().Start(context.Background())
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
}

func TestTranscriptionFailureIsDistinctFromEmpty(t *testing.T) {
	store, backend := newNoteStore(t, 0)
	p := New(Deps{
		Transcriber: &fakeTranscriber{err: errors.Join(transcribe.ErrTranscriptionUnavailable, errors.New("502"))},
		Notes:       store,
	})

	res := p.Process(context.Background(), capture.Recording{Audio: []byte{1, 2}})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateTranscribing, res.Stage)
	assert.ErrorIs(t, res.Err, transcribe.ErrTranscriptionUnavailable)
	assert.NotEqual(t, NoticeNoSpeech, res.Message)
	assert.False(t, res.IsRetryable())
	assert.Zero(t, backend.insertCount())
}

func TestProcess_RecordingKeyDeduplicates(t *testing.T) {
	store, _ := newNoteStore(t, 0)
	p := New(Deps{
		Transcriber: liveText("Water the plants"),
		Categorizer: &fakeCategorizer{res: categorize.Defaults()},
		Notes:       store,
	})

	rec := capture.Recording{Audio: []byte{1, 2, 3}, IdempotencyKey: "inbox:abc"}
	first := p.Process(context.Background(), rec)
	require.Equal(t, OutcomeSuccess, first.Outcome, first.Message)
	second := p.Process(context.Background(), rec)
	require.Equal(t, OutcomeSuccess, second.Outcome, second.Message)

	assert.Equal(t, first.Note.ID, second.Note.ID)
	assert.Len(t, store.List(notes.Filter{}), 1)
}

func TestPersistFailureKeepsDraftForRetry(t *testing.T) {
	store, backend := newNoteStore(t, 3)
	meta := categorize.Defaults()
	meta.Title = "Groceries"
	meta.Tags = []string{"shopping"}
	p := New(Deps{
		Transcriber: liveText("Buy milk and eggs"),
		Categorizer: &fakeCategorizer{res: meta},
		Notes:       store,
	})

	c := p.NewCapture()
	c.state = StateTranscribing
	res := c.process(context.Background(), capture.Recording{})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StatePersisting, res.Stage)
	assert.ErrorIs(t, res.Err, notes.ErrPersistenceFailed)
	require.True(t, res.IsRetryable())
	assert.Equal(t, "Buy milk and eggs", res.Draft.Content)
	assert.Equal(t, "Groceries", res.Draft.Title)
	assert.Equal(t, "Buy milk and eggs", res.Transcript)
	assert.Empty(t, store.List(notes.Filter{}))

	retried, err := c.RetryPersist(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, retried.Outcome)
	assert.Equal(t, res.Draft.ID, retried.Note.ID)
	assert.Equal(t, res.Draft.IdempotencyKey, retried.Note.IdempotencyKey)
	assert.Equal(t, 4, backend.insertCount())

	again := p.PersistDraft(context.Background(), *res.Draft)
	require.Equal(t, OutcomeSuccess, again.Outcome)
	assert.Equal(t, retried.Note.ID, again.Note.ID)
	assert.Len(t, store.List(notes.Filter{}), 1, "replaying the same draft must not duplicate")

	_, err = c.RetryPersist(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDegradedCategorizationSchedulesFollowup(t *testing.T) {
	store, _ := newNoteStore(t, 0)
	degraded := categorize.Defaults()
	degraded.Degraded = true
	follow := &fakeFollowups{}
	p := New(Deps{
		Transcriber: liveText("Plant tomatoes"),
		Categorizer: &fakeCategorizer{res: degraded},
		Notes:       store,
		Followups:   follow,
	})

	res := p.Process(context.Background(), capture.Recording{})
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, []string{res.Note.ID}, follow.ids)

	full := categorize.Defaults()
	full.Category = notes.CategoryIdea
	p.deps.Categorizer = &fakeCategorizer{res: full}
	res = p.Process(context.Background(), capture.Recording{})
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, notes.CategoryIdea, res.Note.Category)
	assert.Len(t, follow.ids, 1)
}

func TestSubscribeSeesEveryTransition(t *testing.T) {
	store, _ := newNoteStore(t, 0)
	p := New(Deps{
		Transcriber: liveText("Call mom"),
		Categorizer: &fakeCategorizer{res: categorize.Defaults()},
		Notes:       store,
	})
	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	res := p.Process(context.Background(), capture.Recording{})
	require.Equal(t, OutcomeSuccess, res.Outcome)

	var states []State
	for len(states) < 4 {
		select {
		case st := <-ch:
			assert.Equal(t, res.SessionID, st.SessionID)
			states = append(states, st.State)
			if st.State == StateSettled {
				assert.Equal(t, OutcomeSuccess, st.Outcome)
				assert.Equal(t, NoticeSaved, st.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("got %v", states)
		}
	}
	assert.Equal(t, []State{StateTranscribing, StateCategorizing, StatePersisting, StateSettled}, states)
}

func TestNotice(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, NoticeCancelled},
		{capture.ErrDeviceDenied, "Microphone access was denied."},
		{capture.ErrDeviceUnavailable, "No microphone is available."},
		{notes.ErrEmptyContent, NoticeNoSpeech},
		{errors.New("boom"), "Something went wrong."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Notice(tt.err), "Notice(%v)", tt.err)
	}
}
