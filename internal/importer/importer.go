// Package importer turns text, markdown, PDF files and web pages into note
// drafts, and exports notes as markdown or JSONL.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/voxnote/internal/notes"
)

const (
	maxFileSize     = 10 << 20 // 10MB
	maxURLFetchSize = 5 << 20  // 5MB
)

// ErrUnsupported is returned for files the importer cannot read.
var ErrUnsupported = errors.New("unsupported import format")

// key derives a stable idempotency key so importing the same thing twice
// yields the same note.
func key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "import:" + hex.EncodeToString(h.Sum(nil))[:24]
}

// FromText builds a manual draft from plain text.
func FromText(title, content string) (notes.Draft, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return notes.Draft{}, notes.ErrEmptyContent
	}
	return notes.Draft{
		IdempotencyKey: key("text", title, content),
		Title:          strings.TrimSpace(title),
		Content:        content,
		Source:         notes.SourceManual,
	}, nil
}

// ImportFile reads a single file by extension: markdown, PDF or plain text.
func ImportFile(path string) (notes.Draft, error) {
	info, err := os.Stat(path)
	if err != nil {
		return notes.Draft{}, err
	}
	if info.Size() > maxFileSize {
		return notes.Draft{}, fmt.Errorf("%s is larger than %d bytes", path, maxFileSize)
	}

	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return notes.Draft{}, err
		}
		return ParseMarkdown(data, name)
	case ".pdf":
		text, err := ExtractPDF(path)
		if err != nil {
			return notes.Draft{}, err
		}
		d, err := FromText(strings.TrimSuffix(name, filepath.Ext(name)), text)
		if err == nil {
			d.Tags = []string{"pdf"}
		}
		return d, err
	case ".txt", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return notes.Draft{}, err
		}
		return FromText("", string(data))
	default:
		return notes.Draft{}, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
}

// ExtractPDF returns the plain text of a PDF file.
func ExtractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxFileSize)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FetchURL downloads a page and turns its readable text into a draft. HTML
// is stripped to text; other text types are used as they are.
func FetchURL(ctx context.Context, client *http.Client, url string) (notes.Draft, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return notes.Draft{}, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return notes.Draft{}, fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return notes.Draft{}, fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxURLFetchSize)
	ct := resp.Header.Get("Content-Type")
	var title, text string
	switch {
	case strings.Contains(ct, "html") || ct == "":
		title, text, err = ExtractHTML(body)
	case strings.HasPrefix(ct, "text/"):
		var b []byte
		b, err = io.ReadAll(body)
		text = string(b)
	default:
		return notes.Draft{}, fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}
	if err != nil {
		return notes.Draft{}, fmt.Errorf("reading url response: %w", err)
	}
	if title == "" {
		title = url
	}

	d, err := FromText(title, text+"\n\n"+url)
	if err != nil {
		return notes.Draft{}, err
	}
	d.IdempotencyKey = key("url", url)
	d.Tags = []string{"web"}
	return d, nil
}
