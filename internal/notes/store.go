package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/voxnote/internal/storage"
)

// Backend is the durable layer behind a Store. *storage.Store satisfies it.
type Backend interface {
	InsertNote(ctx context.Context, n storage.Note) (storage.Note, error)
	UpdateNote(ctx context.Context, n storage.Note) (storage.Note, error)
	DeleteNote(ctx context.Context, ownerID, id string) error
	ListNotes(ctx context.Context, ownerID string, limit, offset int) ([]storage.Note, error)
}

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	MaxAttempts    int           // durable write attempts, default 3
	Backoff        time.Duration // multiplied by the attempt index, default 500ms
	AttemptTimeout time.Duration // per attempt, default 10s
	LoadLimit      int           // notes loaded on Open, default 500
	Now            func() time.Time
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.LoadLimit <= 0 {
		o.LoadLimit = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store is the process-scoped note collection for one owner. It keeps notes
// newest first, writes through to the Backend and notifies subscribers.
type Store struct {
	backend Backend
	owner   string
	opts    Options
	logger  *slog.Logger

	writeMu sync.Mutex // serializes read-modify-write operations

	mu     sync.RWMutex
	notes  []Note
	closed bool

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Open loads the owner's notes from backend and returns a ready Store.
func Open(ctx context.Context, backend Backend, ownerID string, opts Options) (*Store, error) {
	if ownerID == "" {
		return nil, errors.New("opening note store: owner is required")
	}
	opts = opts.withDefaults()
	s := &Store{
		backend: backend,
		owner:   ownerID,
		opts:    opts,
		logger:  opts.Logger,
		subs:    make(map[int]chan Event),
	}

	rows, err := backend.ListNotes(ctx, ownerID, opts.LoadLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("loading notes: %w", err)
	}
	for _, row := range rows {
		n, err := s.fromRow(row)
		if err != nil {
			s.logger.Error("skipping note on load", "note_id", row.ID, "error", err)
			continue
		}
		s.notes = append(s.notes, n)
	}
	sortNewestFirst(s.notes)
	return s, nil
}

// OwnerID returns the owner every note in the store belongs to.
func (s *Store) OwnerID() string { return s.owner }

// Close marks the store closed and closes every subscription channel.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	return nil
}

// Create validates d, applies defaults and writes it durably, retrying
// transient failures. Replaying an idempotency key returns the note that was
// stored first; the collection never holds two notes with the same id.
func (s *Store) Create(ctx context.Context, d Draft) (Note, error) {
	if s.isClosed() {
		return Note{}, ErrClosed
	}
	n, err := s.fromDraft(d)
	if err != nil {
		return Note{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row, err := withRetry(ctx, s, "create", func(ctx context.Context) (storage.Note, error) {
		return s.backend.InsertNote(ctx, toRow(n))
	})
	if err != nil {
		return Note{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	stored, err := s.fromRow(row)
	if err != nil {
		return Note{}, err
	}

	replaced := s.put(stored)
	if replaced {
		s.publish(Event{Type: EventUpdated, Note: stored.Clone()})
	} else {
		s.publish(Event{Type: EventCreated, Note: stored.Clone()})
	}
	return stored.Clone(), nil
}

// Update merges p into the note with the given id and writes it through.
// UpdatedAt always moves forward.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Note, error) {
	return s.modify(ctx, id, func(Note) Patch { return p })
}

// TogglePin flips the pinned flag of a note.
func (s *Store) TogglePin(ctx context.Context, id string) (Note, error) {
	return s.modify(ctx, id, func(cur Note) Patch {
		pinned := !cur.Pinned
		return Patch{Pinned: &pinned}
	})
}

// modify builds the patch from the current note under writeMu so concurrent
// read-modify-write calls see each other's results.
func (s *Store) modify(ctx context.Context, id string, patchFor func(Note) Patch) (Note, error) {
	if s.isClosed() {
		return Note{}, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.Get(id)
	if !ok {
		return Note{}, ErrNotFound
	}
	next := patchFor(cur).apply(cur)
	if strings.TrimSpace(next.Content) == "" {
		return Note{}, ErrEmptyContent
	}
	next.UpdatedAt = s.opts.Now().UTC()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}

	row, err := withRetry(ctx, s, "update", func(ctx context.Context) (storage.Note, error) {
		return s.backend.UpdateNote(ctx, toRow(next))
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	stored, err := s.fromRow(row)
	if err != nil {
		return Note{}, err
	}
	s.put(stored)
	s.publish(Event{Type: EventUpdated, Note: stored.Clone()})
	return stored.Clone(), nil
}

// Delete removes a note durably and from the collection. Deleting an unknown
// id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := withRetry(ctx, s, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.DeleteNote(ctx, s.owner, id)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if removed, ok := s.remove(id); ok {
		s.publish(Event{Type: EventDeleted, Note: removed})
	}
	return nil
}

// Get returns a copy of the note with the given id.
func (s *Store) Get(id string) (Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notes {
		if n.ID == id {
			return n.Clone(), true
		}
	}
	return Note{}, false
}

// List returns copies of the notes matching f, newest first.
func (s *Store) List(f Filter) []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Note, 0, len(s.notes))
	for _, n := range s.notes {
		if !f.match(n) {
			continue
		}
		out = append(out, n.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Subscribe registers for collection events. The returned function
// unsubscribes; it is safe to call more than once. Events are dropped for
// subscribers that do not keep up.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	s.subMu.Lock()
	if s.isClosed() {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("dropping note event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// put inserts or replaces n keeping newest-first order. Reports whether a
// note with the same id was replaced.
func (s *Store) put(n Note) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.notes {
		if s.notes[i].ID == n.ID {
			s.notes = append(s.notes[:i], s.notes[i+1:]...)
			replaced = true
			break
		}
	}
	i := sort.Search(len(s.notes), func(i int) bool {
		return !s.notes[i].CreatedAt.After(n.CreatedAt)
	})
	s.notes = append(s.notes, Note{})
	copy(s.notes[i+1:], s.notes[i:])
	s.notes[i] = n
	return replaced
}

func (s *Store) remove(id string) (Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notes {
		if n.ID == id {
			s.notes = append(s.notes[:i], s.notes[i+1:]...)
			return n, true
		}
	}
	return Note{}, false
}

func sortNewestFirst(ns []Note) {
	sort.SliceStable(ns, func(i, j int) bool {
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}

// withRetry runs fn up to MaxAttempts times. Only storage.ErrUnavailable and
// per-attempt timeouts are retried; cancellation of ctx stops immediately.
func withRetry[T any](ctx context.Context, s *Store, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := s.opts.Backoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%s cancelled after %d attempts: %w", op, attempt-1, ctx.Err())
			case <-time.After(wait):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return zero, err
		}
		s.logger.Warn("note write failed, retrying", "op", op, "attempt", attempt, "error", err)
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, s.opts.MaxAttempts, lastErr)
}

func retryable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) fromDraft(d Draft) (Note, error) {
	if strings.TrimSpace(d.Content) == "" {
		return Note{}, ErrEmptyContent
	}
	now := s.opts.Now().UTC()
	n := Note{
		ID:             d.ID,
		OwnerID:        s.owner,
		Title:          strings.TrimSpace(d.Title),
		Content:        d.Content,
		Tags:           NormalizeTags(d.Tags),
		Category:       ParseCategory(string(d.Category)),
		Subcategory:    strings.TrimSpace(d.Subcategory),
		Priority:       ParsePriority(string(d.Priority)),
		Pinned:         d.Pinned,
		Source:         ParseSource(string(d.Source)),
		ActionItems:    nonNil(d.ActionItems),
		Entities:       cloneEntities(d.Entities),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.IdempotencyKey == "" {
		n.IdempotencyKey = uuid.New().String()
	}
	if n.Title == "" {
		n.Title = DeriveTitle(n.Content)
	}
	return n, nil
}

func toRow(n Note) storage.Note {
	tags, _ := json.Marshal(n.Tags)
	actions, _ := json.Marshal(n.ActionItems)
	entities, _ := json.Marshal(n.Entities)
	return storage.Note{
		ID:             n.ID,
		OwnerID:        n.OwnerID,
		Title:          n.Title,
		Content:        n.Content,
		Tags:           string(tags),
		Category:       string(n.Category),
		Subcategory:    n.Subcategory,
		Priority:       string(n.Priority),
		Pinned:         n.Pinned,
		Source:         string(n.Source),
		ActionItems:    string(actions),
		Entities:       string(entities),
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

// fromRow converts a backend row, which is authoritative, into a Note with
// every collection field defaulted.
func (s *Store) fromRow(r storage.Note) (Note, error) {
	if r.OwnerID != s.owner {
		return Note{}, fmt.Errorf("note %s: %w", r.ID, ErrOwnerMismatch)
	}
	if strings.TrimSpace(r.Content) == "" {
		return Note{}, fmt.Errorf("note %s: %w", r.ID, ErrEmptyContent)
	}
	n := Note{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Title:          r.Title,
		Content:        r.Content,
		Category:       ParseCategory(r.Category),
		Subcategory:    r.Subcategory,
		Priority:       ParsePriority(r.Priority),
		Pinned:         r.Pinned,
		Source:         ParseSource(r.Source),
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	var tags, actions []string
	_ = json.Unmarshal([]byte(r.Tags), &tags)
	_ = json.Unmarshal([]byte(r.ActionItems), &actions)
	n.Tags = NormalizeTags(tags)
	n.ActionItems = nonNil(actions)
	n.Entities = map[string][]string{}
	_ = json.Unmarshal([]byte(r.Entities), &n.Entities)
	if n.Entities == nil {
		n.Entities = map[string][]string{}
	}
	if n.Title == "" {
		n.Title = DeriveTitle(n.Content)
	}
	return n, nil
}
