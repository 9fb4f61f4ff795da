package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxAttempts    = 3
	baseBackoff    = time.Second
)

var (
	// ErrTranscriptionUnavailable is returned when every attempt failed with a
	// retryable error. It wraps the last error.
	ErrTranscriptionUnavailable = errors.New("transcription service unavailable")
	// ErrDeviceOrNetwork is returned for failures retrying cannot fix: the
	// service rejected the request or the request could not be built.
	ErrDeviceOrNetwork = errors.New("transcription request failed")
)

// StatusError carries a non-2xx response from the transcription service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription service returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Client uploads recorded audio to a batch speech-to-text service.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	language   string
	timeout    time.Duration
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

func WithModel(model string) Option        { return func(c *Client) { c.model = model } }
func WithLanguage(lang string) Option      { return func(c *Client) { c.language = lang } }
func WithTimeout(d time.Duration) Option   { return func(c *Client) { c.timeout = d } }
func WithBackoff(d time.Duration) Option   { return func(c *Client) { c.backoff = d } }
func WithLogger(l *slog.Logger) Option     { return func(c *Client) { c.logger = l } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    defaultTimeout,
		backoff:    baseBackoff,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Audio is one upload.
type Audio struct {
	Data        []byte
	ContentType string
	Filename    string
}

type transcribeResponse struct {
	Transcript *string `json:"transcript"`
	Text       *string `json:"text"`
}

// Transcribe uploads audio and returns the transcript. Each attempt is bounded
// by the client timeout; 5xx, 429, 408, timeouts and network errors are
// retried with a linear backoff, anything else fails immediately.
func (c *Client) Transcribe(ctx context.Context, audio Audio) (string, error) {
	body, contentType, err := c.buildBody(audio)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDeviceOrNetwork, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		text, err := c.do(ctx, body, contentType)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryable(err) {
			return "", fmt.Errorf("%w: %w", ErrDeviceOrNetwork, err)
		}
		lastErr = err
		c.logger.Warn("transcription attempt failed", "attempt", attempt, "error", err)
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrTranscriptionUnavailable, maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte, contentType string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	switch {
	case out.Transcript != nil:
		return strings.TrimSpace(*out.Transcript), nil
	case out.Text != nil:
		return strings.TrimSpace(*out.Text), nil
	default:
		return "", fmt.Errorf("decoding response: no transcript field")
	}
}

func (c *Client) buildBody(audio Audio) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := audio.Filename
	if filename == "" {
		filename = "audio"
	}
	ct := audio.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", err
	}
	if c.model != "" {
		if err := w.WriteField("model", c.model); err != nil {
			return nil, "", err
		}
	}
	if c.language != "" {
		if err := w.WriteField("language", c.language); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
