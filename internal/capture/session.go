package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultFrameSize   = 3200 // 100ms of 16 kHz mono PCM
	defaultMaxDuration = 5 * time.Minute
	defaultFinalWait   = 2 * time.Second
)

// ErrLiveTimeout is recorded as LiveErr when the recognizer did not deliver
// its final transcript within the final wait.
var ErrLiveTimeout = errors.New("live recognizer final transcript timed out")

// Config configures a Session.
type Config struct {
	Device      Device
	Recognizer  Recognizer // optional
	Lock        *Lock      // defaults to DefaultLock
	MaxDuration time.Duration
	FinalWait   time.Duration
	FrameSize   int
	Logger      *slog.Logger
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateRecording
	stateStopped
)

// Session records one utterance. It is single-use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       sessionState
	stream      Stream
	buf         bytes.Buffer
	finals      []string
	lastPartial string
	liveErr     error
	started     time.Time
	ended       time.Time
	cancel      context.CancelFunc
	group       *errgroup.Group
	maxTimer    *time.Timer

	events      chan Event
	inputDone   chan struct{}
	acquired    atomic.Bool
	releaseOnce sync.Once
}

// NewSession returns an idle session.
func NewSession(cfg Config) *Session {
	if cfg.Lock == nil {
		cfg.Lock = DefaultLock
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.FinalWait <= 0 {
		cfg.FinalWait = defaultFinalWait
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    make(chan Event, 32),
		inputDone: make(chan struct{}),
	}
}

// Events delivers partial and final transcript events while recording. The
// channel is closed once the recognizer has finished. Slow readers miss
// events rather than stall the recording.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when audio input ends on its own: the source hit EOF, the
// device failed or the maximum duration elapsed. Stop must still be called.
func (s *Session) Done() <-chan struct{} { return s.inputDone }

// Start acquires the device and begins recording.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return fmt.Errorf("capture session already started")
	}
	if s.cfg.Device == nil {
		return fmt.Errorf("no capture device: %w", ErrDeviceUnavailable)
	}
	if err := s.cfg.Lock.TryAcquire(); err != nil {
		return err
	}
	s.acquired.Store(true)

	stream, err := s.cfg.Device.Open(ctx)
	if err != nil {
		s.release()
		return err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(sctx)
	s.stream = stream
	s.cancel = cancel
	s.group = g
	s.started = time.Now()
	s.state = stateRecording
	s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
		s.logger.Info("maximum recording duration reached", "max", s.cfg.MaxDuration)
		stream.Close()
	})

	frames := make(chan []byte, 64)
	recEvents := make(chan Event, 64)

	g.Go(func() error {
		s.pump(gctx, stream, frames)
		return nil
	})
	g.Go(func() error {
		defer close(recEvents)
		if s.cfg.Recognizer == nil {
			for range frames {
			}
			return nil
		}
		err := s.cfg.Recognizer.Recognize(gctx, frames, recEvents)
		if err != nil {
			s.setLiveErr(err)
			s.logger.Warn("live recognizer failed, batch fallback will be used", "error", err)
		}
		for range frames {
		}
		return nil
	})
	g.Go(func() error {
		s.consume(recEvents)
		return nil
	})

	s.logger.Debug("capture started", "format", stream.Format().Encoding, "max_duration", s.cfg.MaxDuration)
	return nil
}

// pump copies audio from the stream into the buffer and forwards each frame
// to the recognizer. It returns when the stream ends or is closed.
func (s *Session) pump(ctx context.Context, stream Stream, frames chan<- []byte) {
	defer close(s.inputDone)
	defer close(frames)
	defer func() {
		s.mu.Lock()
		s.ended = time.Now()
		s.mu.Unlock()
	}()

	buf := make([]byte, s.cfg.FrameSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			frame := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.buf.Write(frame)
			s.mu.Unlock()
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) consume(recEvents <-chan Event) {
	defer close(s.events)
	for ev := range recEvents {
		s.mu.Lock()
		switch ev.Kind {
		case EventPartial:
			s.lastPartial = ev.Text
		case EventFinal:
			if t := strings.TrimSpace(ev.Text); t != "" {
				s.finals = append(s.finals, t)
			}
		case EventError:
			if s.liveErr == nil {
				s.liveErr = liveEventError(ev.Message)
			}
		}
		s.mu.Unlock()

		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Session) setLiveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveErr == nil {
		s.liveErr = err
	}
}

// Stop ends recording, waits a bounded time for the recognizer's final
// transcript and releases the device.
func (s *Session) Stop(ctx context.Context) (Recording, error) {
	s.mu.Lock()
	if s.state != stateRecording {
		s.mu.Unlock()
		return Recording{}, ErrNotRecording
	}
	s.state = stateStopped
	stream, g, cancel := s.stream, s.group, s.cancel
	s.mu.Unlock()

	defer s.release()
	defer cancel()
	s.maxTimer.Stop()
	stream.Close()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.FinalWait):
		s.setLiveErr(ErrLiveTimeout)
		cancel()
		select {
		case <-done:
		case <-time.After(s.cfg.FinalWait):
			s.logger.Warn("capture goroutines still running after cancel")
		}
	case <-ctx.Done():
		cancel()
		return Recording{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.ended
	if end.IsZero() {
		end = time.Now()
	}
	rec := Recording{
		Audio:          append([]byte(nil), s.buf.Bytes()...),
		Format:         stream.Format(),
		LiveTranscript: strings.Join(s.finals, " "),
		LastPartial:    s.lastPartial,
		LiveErr:        s.liveErr,
		Duration:       end.Sub(s.started),
	}
	if bps := rec.Format.bytesPerSecond(); bps > 0 {
		rec.Duration = time.Duration(len(rec.Audio)) * time.Second / time.Duration(bps)
	}
	s.logger.Debug("capture stopped", "bytes", len(rec.Audio), "duration", rec.Duration, "live_err", rec.LiveErr)
	return rec, nil
}

// Abort discards the recording and releases the device. Safe to call in any
// state and more than once.
func (s *Session) Abort() {
	s.mu.Lock()
	stream, cancel, timer := s.stream, s.cancel, s.maxTimer
	s.state = stateStopped
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	s.release()
}

// Recording reports whether the session currently holds the device.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRecording
}

// release gives the device back if this session took it.
func (s *Session) release() {
	if !s.acquired.Load() {
		return
	}
	s.releaseOnce.Do(s.cfg.Lock.Release)
}

func liveEventError(msg string) error {
	if msg == "" || strings.EqualFold(msg, "network") {
		return ErrLiveNetwork
	}
	return fmt.Errorf("live recognizer: %s", msg)
}
