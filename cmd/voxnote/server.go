package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/voxnote/internal/api"
	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/categorize"
	"github.com/kalambet/voxnote/internal/config"
	"github.com/kalambet/voxnote/internal/engine"
	"github.com/kalambet/voxnote/internal/enrich"
	"github.com/kalambet/voxnote/internal/inbox"
	"github.com/kalambet/voxnote/internal/notes"
	"github.com/kalambet/voxnote/internal/ollama"
	"github.com/kalambet/voxnote/internal/pipeline"
	"github.com/kalambet/voxnote/internal/storage"
	"github.com/kalambet/voxnote/internal/transcribe"
)

const enrichPollInterval = 2 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the voxnote server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running voxnote server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show voxnote system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "voxnote.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string, w io.Writer) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})))
}

// buildCategorizer connects to the configured inference backend. When
// progress is non-nil the model is checked (and pulled if missing); a
// backend that is not ready only degrades categorization.
func buildCategorizer(ctx context.Context, cfg config.Config, progress io.Writer) (*categorize.Categorizer, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Backend:          cfg.Categorize.Backend,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.OpenRouter.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if progress != nil {
		if err := engine.EnsureReady(ctx, eng, cfg.Categorize.Model, progress); err != nil {
			slog.Warn("categorization backend not ready, notes get default metadata", "backend", cfg.Categorize.Backend, "error", err)
		}
	}
	return categorize.New(eng, cfg.Categorize.Model,
		categorize.WithTimeout(cfg.Categorize.Timeout),
		categorize.WithLogger(slog.Default()),
	), nil
}

// buildTranscriber returns the transcript strategy. Without a batch service
// only recordings with a live transcript can be stored.
func buildTranscriber(cfg config.Config) *transcribe.Strategy {
	var batch transcribe.Batch
	if cfg.Transcribe.BaseURL != "" {
		batch = transcribe.NewClient(cfg.Transcribe.BaseURL, cfg.Transcribe.APIKey,
			transcribe.WithModel(cfg.Transcribe.Model),
			transcribe.WithTimeout(cfg.Transcribe.Timeout),
			transcribe.WithLogger(slog.Default()),
		)
	}
	return transcribe.NewStrategy(batch)
}

func sessionConfig(cfg config.Config) capture.Config {
	sc := capture.Config{
		Device:      capture.NewCommandDevice(strings.Fields(cfg.Capture.Recorder)),
		MaxDuration: cfg.Capture.MaxDuration,
		FinalWait:   cfg.Capture.FinalWait,
		Logger:      slog.Default(),
	}
	if cfg.Live.Address != "" {
		sc.Recognizer = capture.NewLiveClient(cfg.Live.Address, cfg.Live.Locale)
	}
	return sc
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "voxnote version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, os.Stderr)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	noteStore, err := notes.Open(ctx, store, cfg.Owner.ID, notes.Options{
		MaxAttempts: cfg.Persist.MaxAttempts,
		Backoff:     cfg.Persist.Backoff,
		Logger:      slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("loading notes: %w", err)
	}
	defer noteStore.Close()
	slog.Info("notes loaded", "owner", cfg.Owner.ID, "count", len(noteStore.List(notes.Filter{})))

	categorizer, err := buildCategorizer(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}

	var followups pipeline.Followups
	if cfg.Enrich.Enabled {
		followups = enrich.NewQueue(store)
		worker := enrich.NewWorker(store, noteStore, categorizer, enrichPollInterval)
		go worker.Run(ctx)
	}

	pl := pipeline.New(pipeline.Deps{
		Transcriber:       buildTranscriber(cfg),
		Categorizer:       categorizer,
		Notes:             noteStore,
		Followups:         followups,
		TranscribeTimeout: cfg.Transcribe.Timeout,
		Logger:            slog.Default(),
	})
	updates, unsubscribe := pl.Subscribe()
	defer unsubscribe()
	go func() {
		for st := range updates {
			slog.Debug("capture status", "session_id", st.SessionID, "state", st.State, "outcome", st.Outcome)
		}
	}()

	if cfg.Inbox.Dir != "" {
		w, err := inbox.New(inbox.Config{
			Dir:     cfg.Inbox.Dir,
			Pattern: cfg.Inbox.Pattern,
			Logger:  slog.Default(),
		}, pl)
		if err != nil {
			return fmt.Errorf("configuring inbox: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("inbox watcher stopped", "error", err)
			}
		}()
		slog.Info("watching inbox", "dir", cfg.Inbox.Dir, "pattern", cfg.Inbox.Pattern)
	}

	handler := api.NewHandler(api.Deps{
		Notes:      noteStore,
		Captures:   pl,
		Followups:  followups,
		Token:      apiToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     slog.Default(),
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Notes: noteStore, Captures: pl})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("voxnote listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("voxnote is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop voxnote (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to voxnote (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	switch cfg.Categorize.Backend {
	case engine.BackendOpenRouter:
		printStatus("Categorizer", "openrouter (%s)", cfg.Categorize.Model)
	default:
		v, err := ollama.New(cfg.Ollama.BaseURL).Version(ctx)
		if err != nil {
			printStatus("Categorizer", "ollama not running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Categorizer", "ollama %s (%s) at %s", v, cfg.Categorize.Model, cfg.Ollama.BaseURL)
		}
	}

	if cfg.Transcribe.BaseURL != "" {
		printStatus("Transcription", "%s (%s)", cfg.Transcribe.BaseURL, cfg.Transcribe.Model)
	} else {
		printStatus("Transcription", "not configured")
	}
	if cfg.Live.Address != "" {
		printStatus("Live recognizer", "%s (%s)", cfg.Live.Address, cfg.Live.Locale)
	}
	if cfg.Inbox.Dir != "" {
		printStatus("Inbox", "%s", cfg.Inbox.Dir)
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(ctx, fmt.Sprintf("/notes?limit=%d", maxStatusCount)); err == nil {
				var ns []notes.Note
				if decodeJSON(resp, &ns) == nil {
					printStatus("Notes", "%s", countLabel(len(ns), maxStatusCount))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

const maxStatusCount = 500

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
