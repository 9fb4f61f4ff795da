// Package inbox watches a drop folder for audio files and turns each one
// into a voice note through the capture pipeline.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/pipeline"
)

const (
	DefaultPattern  = "**/*.{wav,mp3,m4a,ogg,webm,flac}"
	defaultDebounce = 500 * time.Millisecond
	maxAudioSize    = 100 << 20

	processedDir = "processed"
	failedDir    = "failed"
)

// Processor runs a finished recording through the pipeline.
// *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, rec capture.Recording) pipeline.Result
}

type Config struct {
	Dir      string
	Pattern  string        // doublestar pattern relative to Dir
	Debounce time.Duration // quiet period after the last write before a file is picked up
	Logger   *slog.Logger
}

// Watcher processes audio files dropped into a directory. Processed files
// are moved to processed/, files that failed to become a note to failed/.
type Watcher struct {
	cfg    Config
	proc   Processor
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	work    chan string
}

func New(cfg Config, proc Processor) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("invalid inbox pattern %q", cfg.Pattern)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		proc:    proc,
		logger:  cfg.Logger.With("inbox", cfg.Dir),
		pending: make(map[string]*time.Timer),
		work:    make(chan string, 64),
	}, nil
}

// Run watches until ctx is cancelled. Files already present are processed
// first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, d := range []string{w.cfg.Dir, w.outDir(processedDir), w.outDir(failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.cfg.Dir); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.worker(ctx)
	}()
	defer wg.Wait()
	defer w.stopTimers()

	w.scan()
	w.logger.Info("inbox watcher started", "pattern", w.cfg.Pattern)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			w.handleEvent(watcher, event)

		case wErr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("fsnotify error", "error", wErr)
		}
	}
}

func (w *Watcher) outDir(name string) string { return filepath.Join(w.cfg.Dir, name) }

func (w *Watcher) skipDir(path string) bool {
	return path == w.outDir(processedDir) || path == w.outDir(failedDir)
}

// addTree watches dir and its subdirectories; fsnotify is not recursive.
func (w *Watcher) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipDir(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) scan() {
	filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		w.schedule(path)
		return nil
	})
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if !w.skipDir(event.Name) {
			if err := w.addTree(watcher, event.Name); err != nil {
				w.logger.Warn("watching new directory failed", "path", event.Name, "error", err)
			}
			w.scanDir(event.Name)
		}
		return
	}
	w.schedule(event.Name)
}

func (w *Watcher) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

// Match reports whether path, inside the inbox, matches the pattern.
func (w *Watcher) Match(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil {
		return false
	}
	ok, _ := doublestar.Match(w.cfg.Pattern, filepath.ToSlash(rel))
	return ok
}

// schedule (re)starts the debounce timer for path so a file still being
// written is only picked up once it has been quiet.
func (w *Watcher) schedule(path string) {
	if !w.Match(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.work <- path:
		default:
			w.logger.Warn("inbox queue full, file left for the next scan", "path", path)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

func (w *Watcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.work:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	logger := w.logger.With("path", path)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() > maxAudioSize {
		logger.Warn("audio file too large", "size", info.Size())
		w.move(path, failedDir)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reading audio file failed", "error", err)
		return
	}

	res := w.proc.Process(ctx, capture.Recording{
		Audio:          data,
		Format:         capture.FormatForFile(path),
		IdempotencyKey: fileKey(data),
	})
	if ctx.Err() != nil && res.Outcome != pipeline.OutcomeSuccess {
		return
	}

	dest := processedDir
	if res.Outcome == pipeline.OutcomeFailed {
		dest = failedDir
		logger.Warn("inbox file not captured", "stage", res.Stage, "error", res.Err)
	} else if res.Note != nil {
		logger.Info("inbox file captured", "note_id", res.Note.ID)
	} else {
		logger.Info("inbox file had no speech")
	}
	w.move(path, dest)
}

// fileKey derives the idempotency key from the audio bytes, so a file that
// was stored but not yet moved is not captured twice after a restart.
func fileKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "inbox:" + hex.EncodeToString(sum[:])[:24]
}

func (w *Watcher) move(path, dir string) {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	dst := filepath.Join(w.outDir(dir), rel)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", dst[:len(dst)-len(ext)], time.Now().UnixNano(), ext)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		w.logger.Error("creating destination failed", "path", dst, "error", err)
		return
	}
	if err := os.Rename(path, dst); err != nil {
		w.logger.Error("moving inbox file failed", "path", path, "error", err)
	}
}
