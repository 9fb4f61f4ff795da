// Package enrich re-runs categorization for notes that were stored with
// degraded metadata, through the sqlite job queue.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/storage"
)

// JobType is the queue type of recategorization jobs.
const JobType = "recategorize"

const firstDelay = 30 * time.Second

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// NoteUpdater is the part of notes.Store the worker needs.
type NoteUpdater interface {
	Get(id string) (notes.Note, bool)
	Update(ctx context.Context, id string, p notes.Patch) (notes.Note, error)
}

// Categorizer produces metadata for a transcript.
type Categorizer interface {
	Categorize(ctx context.Context, transcript string) categorize.Result
}

type payload struct {
	NoteID string `json:"note_id"`
}

// Queue enqueues recategorization jobs. It satisfies pipeline.Followups.
type Queue struct {
	store JobStore
}

func NewQueue(store JobStore) *Queue { return &Queue{store: store} }

// EnqueueRecategorize schedules noteID for another categorization attempt.
// The first attempt runs after delay so a struggling backend gets a break.
func (q *Queue) EnqueueRecategorize(_ context.Context, noteID string) error {
	body, err := json.Marshal(payload{NoteID: noteID})
	if err != nil {
		return err
	}
	return q.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(body),
		RunAfter:    time.Now().Add(firstDelay),
		MaxAttempts: 5,
	})
}

// Worker processes recategorize jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	notes  NoteUpdater
	cat    Categorizer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, n NoteUpdater, cat Categorizer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:  store,
		notes:  n,
		cat:    cat,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("enrich worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single recategorize job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("recategorize job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	note, ok := w.notes.Get(p.NoteID)
	if !ok {
		w.logger.Debug("note gone, dropping recategorize job", "note_id", p.NoteID)
		return nil
	}

	res := w.cat.Categorize(ctx, note.Content)
	if res.Degraded {
		return fmt.Errorf("categorization still degraded: %s", res.Reason)
	}

	// The user may have edited the note while the model was running.
	note, ok = w.notes.Get(p.NoteID)
	if !ok {
		return nil
	}
	patch, changed := Fill(note, res)
	if !changed {
		return nil
	}
	if _, err := w.notes.Update(ctx, note.ID, patch); err != nil {
		return fmt.Errorf("updating note %s: %w", note.ID, err)
	}
	w.logger.Info("note recategorized", "note_id", note.ID, "category", res.Category)
	return nil
}

// Fill builds a patch that sets only the fields of n that still hold their
// defaults, so edits the user made in the meantime are kept.
func Fill(n notes.Note, res categorize.Result) (notes.Patch, bool) {
	var p notes.Patch
	changed := false

	if res.Title != "" && n.Title == notes.DeriveTitle(n.Content) && res.Title != n.Title {
		p.Title = &res.Title
		changed = true
	}
	if len(n.Tags) == 0 && len(res.Tags) > 0 {
		p.Tags = &res.Tags
		changed = true
	}
	if n.Category == notes.CategoryNote && res.Category != notes.CategoryNote {
		p.Category = &res.Category
		changed = true
	}
	if n.Subcategory == "" && res.Subcategory != "" {
		p.Subcategory = &res.Subcategory
		changed = true
	}
	if n.Priority == notes.PriorityMedium && res.Priority != notes.PriorityMedium {
		p.Priority = &res.Priority
		changed = true
	}
	if len(n.ActionItems) == 0 && len(res.ActionItems) > 0 {
		p.ActionItems = &res.ActionItems
		changed = true
	}
	if len(n.Entities) == 0 && len(res.Entities) > 0 {
		p.Entities = &res.Entities
		changed = true
	}
	return p, changed
}
