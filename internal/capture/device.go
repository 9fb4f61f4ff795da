package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultRecorder records 16 kHz mono PCM to stdout with ALSA's arecord.
var DefaultRecorder = []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1"}

const (
	startupProbe = 150 * time.Millisecond
	stopGrace    = 2 * time.Second
)

// CommandDevice records by running an external program and reading its stdout.
type CommandDevice struct {
	Argv   []string
	Format Format
	Logger *slog.Logger
}

// NewCommandDevice returns a device for argv, falling back to DefaultRecorder.
func NewCommandDevice(argv []string) *CommandDevice {
	if len(argv) == 0 {
		argv = DefaultRecorder
	}
	return &CommandDevice{Argv: argv, Format: PCM16, Logger: slog.Default()}
}

func (d *CommandDevice) Open(ctx context.Context) (Stream, error) {
	if len(d.Argv) == 0 {
		return nil, fmt.Errorf("no recorder configured: %w", ErrDeviceUnavailable)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(d.Argv[0], d.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("starting %s: %w", d.Argv[0], ErrDeviceUnavailable)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("starting %s: %w", d.Argv[0], ErrDeviceDenied)
		default:
			return nil, fmt.Errorf("starting %s: %w: %v", d.Argv[0], ErrDeviceUnavailable, err)
		}
	}

	s := &commandStream{cmd: cmd, stdout: stdout, stderr: stderr, format: d.Format, exited: make(chan struct{}), logger: logger}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	// Recorders that cannot open the device exit almost immediately.
	select {
	case <-s.exited:
		return nil, classifyRecorderExit(d.Argv[0], stderr.String(), s.waitErr)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-time.After(startupProbe):
	}

	logger.Debug("recorder started", "argv", strings.Join(d.Argv, " "), "pid", cmd.Process.Pid)
	return s, nil
}

func classifyRecorderExit(name, stderr string, waitErr error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%s: %w", name, ErrDeviceDenied)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%s: %w", name, ErrDeviceBusy)
	default:
		detail := strings.TrimSpace(stderr)
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		return fmt.Errorf("%s exited: %w: %s", name, ErrDeviceUnavailable, detail)
	}
}

type commandStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *limitedBuffer
	format  Format
	exited  chan struct{}
	waitErr error
	logger  *slog.Logger

	closeOnce sync.Once
}

func (s *commandStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *commandStream) Format() Format { return s.format }

// Close interrupts the recorder so it flushes, then kills it if it lingers.
func (s *commandStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.exited:
		case <-time.After(stopGrace):
			s.logger.Warn("recorder did not exit after interrupt, killing", "pid", s.cmd.Process.Pid)
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
	})
	return nil
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// BufferDevice replays in-memory audio. Each Open starts from the beginning.
type BufferDevice struct {
	Data   []byte
	Format Format
	// Pace, when set, delays each 3200-byte chunk to simulate a live source.
	Pace time.Duration
}

func (d *BufferDevice) Open(ctx context.Context) (Stream, error) {
	return &readerStream{r: bytes.NewReader(d.Data), format: d.Format, pace: d.Pace, done: make(chan struct{})}, nil
}

// FileDevice replays an audio file.
type FileDevice struct {
	Path   string
	Format Format // guessed from the extension when zero
}

func (d *FileDevice) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(d.Path)
	if errors.Is(err, os.ErrPermission) {
		return nil, fmt.Errorf("opening %s: %w", d.Path, ErrDeviceDenied)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w: %v", d.Path, ErrDeviceUnavailable, err)
	}
	format := d.Format
	if format == (Format{}) {
		format = FormatForFile(d.Path)
	}
	return &readerStream{r: f, closer: f, format: format, done: make(chan struct{})}, nil
}

type readerStream struct {
	r      io.Reader
	closer io.Closer
	format Format
	pace   time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (s *readerStream) Read(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.EOF
	default:
	}
	if s.pace > 0 {
		if len(p) > 3200 {
			p = p[:3200]
		}
		select {
		case <-s.done:
			return 0, io.EOF
		case <-time.After(s.pace):
		}
	}
	return s.r.Read(p)
}

func (s *readerStream) Format() Format { return s.format }

func (s *readerStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
