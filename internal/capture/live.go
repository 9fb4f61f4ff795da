package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// liveCommand is sent to the recognizer daemon, one JSON object per line.
type liveCommand struct {
	Cmd        string `json:"cmd"`
	Locale     string `json:"locale,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Data       []byte `json:"data,omitempty"` // base64 on the wire
}

// liveEvent is streamed back by the recognizer daemon.
type liveEvent struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// LiveClient streams audio to an on-device recognizer daemon over a unix or
// tcp socket using NDJSON. It implements Recognizer.
type LiveClient struct {
	Network     string // "unix" or "tcp"; inferred from Address when empty
	Address     string
	Locale      string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// NewLiveClient returns a client for address. Addresses containing a slash
// are treated as unix socket paths.
func NewLiveClient(address, locale string) *LiveClient {
	return &LiveClient{Address: address, Locale: locale, DialTimeout: 2 * time.Second, Logger: slog.Default()}
}

func (c *LiveClient) network() string {
	if c.Network != "" {
		return c.Network
	}
	if strings.Contains(c.Address, "/") {
		return "unix"
	}
	return "tcp"
}

// Recognize sends start, one audio command per frame and stop, forwarding
// partial and final events until the final event that follows stop arrives
// or the daemon closes the connection. Connection failures and "network"
// error events return ErrLiveNetwork.
func (c *LiveClient) Recognize(ctx context.Context, frames <-chan []byte, events chan<- Event) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, c.network(), c.Address)
	if err != nil {
		return fmt.Errorf("%w: connect to recognizer: %v", ErrLiveNetwork, err)
	}
	defer conn.Close()

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	var writeMu sync.Mutex
	send := func(cmd liveCommand) error {
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("marshal command: %w", err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	if err := send(liveCommand{Cmd: "start", Locale: c.Locale, SampleRate: PCM16.SampleRate}); err != nil {
		return fmt.Errorf("%w: write start: %v", ErrLiveNetwork, err)
	}

	var stopSent atomic.Bool
	go func() {
		var werr error
		for f := range frames {
			if werr == nil {
				werr = send(liveCommand{Cmd: "audio", Data: f})
			}
		}
		if werr != nil {
			logger.Debug("recognizer audio write failed", "error", werr)
			return
		}
		stopSent.Store(true)
		if err := send(liveCommand{Cmd: "stop"}); err != nil {
			logger.Debug("recognizer stop write failed", "error", err)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev liveEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			logger.Debug("skipping malformed recognizer line", "error", err)
			continue
		}

		var out Event
		switch ev.Event {
		case "partial":
			out = Event{Kind: EventPartial, Text: ev.Text}
		case "final":
			out = Event{Kind: EventFinal, Text: ev.Text}
		case "error":
			out = Event{Kind: EventError, Message: ev.Message}
		default:
			continue
		}

		select {
		case events <- out:
		case <-ctx.Done():
			return ctx.Err()
		}

		if out.Kind == EventError {
			return liveEventError(ev.Message)
		}
		if out.Kind == EventFinal && stopSent.Load() {
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read events: %v", ErrLiveNetwork, err)
	}
	if !stopSent.Load() {
		return fmt.Errorf("%w: connection closed", ErrLiveNetwork)
	}
	return nil
}
