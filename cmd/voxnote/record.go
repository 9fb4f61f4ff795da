package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kalambet/voxnote/internal/capture"
	"github.com/kalambet/voxnote/internal/config"
	"github.com/kalambet/voxnote/internal/pipeline"
	"github.com/kalambet/voxnote/internal/tui"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a voice note from the microphone",
	Long: `Record a voice note from the microphone.

Recording starts immediately. Press enter to stop and save, esc to discard.
The transcript is categorized locally and stored on the running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd.Context())
	},
}

func runRecord(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return err
	}
	resp.Body.Close()

	// The TUI owns the terminal, so logs go to a file next to the data.
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Storage.DataDir, "record.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	setupLogging(cfg.Log.Level, logFile)

	categorizer, err := buildCategorizer(ctx, cfg, nil)
	if err != nil {
		return err
	}

	remote := remoteNotes{client: client}
	pl := pipeline.New(pipeline.Deps{
		NewRecorder: func() pipeline.Recorder {
			return capture.NewSession(sessionConfig(cfg))
		},
		Transcriber:       buildTranscriber(cfg),
		Categorizer:       categorizer,
		Notes:             remote,
		Followups:         remote,
		TranscribeTimeout: cfg.Transcribe.Timeout,
	})
	updates, unsubscribe := pl.Subscribe()
	defer unsubscribe()

	c := pl.NewCapture()
	final, err := tea.NewProgram(tui.NewRecordModel(ctx, c, updates)).Run()
	if err != nil {
		c.Cancel()
		return fmt.Errorf("running recorder: %w", err)
	}

	m, ok := final.(tui.Model)
	if !ok {
		return nil
	}
	res, ok := m.Result()
	if !ok {
		return nil
	}
	return reportResult(res)
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture <file>",
	Short: "Transcribe an audio file and store it as a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %s", filepath.Base(args[0]))
		var res pipeline.Result
		if err := client.uploadAudio(cmd.Context(), args[0], &res); err != nil {
			return err
		}
		return reportResult(res)
	},
}

func reportResult(res pipeline.Result) error {
	switch res.Outcome {
	case pipeline.OutcomeSuccess:
		if res.Note != nil {
			printSuccess("%s %s", res.Message, res.Note.Title)
			printStatus("Category", "%s / %s", res.Note.Category, res.Note.Priority)
			if len(res.Note.ActionItems) > 0 {
				printStatus("Action items", "%d", len(res.Note.ActionItems))
			}
			fmt.Println(res.Note.ID)
		}
		if res.Categorization.Degraded {
			printWarning("Categorization was unavailable; metadata will be filled in later.")
		}
		return nil
	case pipeline.OutcomeAborted:
		printWarning("%s", res.Message)
		return nil
	default:
		if res.Draft != nil {
			printWarning("The transcript was kept; retry with the draft below.")
			fmt.Println(res.Draft.Content)
		}
		return fmt.Errorf("capture failed while %s: %s", res.Stage, res.Message)
	}
}
