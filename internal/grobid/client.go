// Package grobid extracts full-text structure from PDFs via a GROBID server
// and enriches paper records with abstracts and harvested references.
package grobid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

const (
	processFulltextPath = "/api/processFulltextDocument"
	isAlivePath         = "/api/isalive"

	maxResponseBytes = 50 << 20
)

// ErrProcessingFailed is the sentinel for extraction failures.
var ErrProcessingFailed = errors.New("grobid: processing failed")

// ProcessError reports a non-200 response from the GROBID server. GROBID uses
// 204 for documents it could not extract anything from and 503 when its
// worker pool is saturated.
type ProcessError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("grobid: server returned status %d: %s", e.Code, e.Message)
}

// Unwrap returns ErrProcessingFailed for use with errors.Is.
func (e *ProcessError) Unwrap() error { return ErrProcessingFailed }

// Config holds GROBID client configuration.
type Config struct {
	// BaseURL is the GROBID server root, e.g. http://localhost:8070.
	BaseURL string
	// Timeout is the per-request timeout. Full-text extraction of a long
	// paper can take tens of seconds, default is 5 minutes.
	Timeout time.Duration
}

// Client calls a GROBID server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a GROBID client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsAlive checks the server health endpoint.
func (c *Client) IsAlive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+isAlivePath, nil)
	if err != nil {
		return fmt.Errorf("grobid: creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("grobid: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProcessError{Code: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// ProcessFulltext sends an in-memory PDF through full-text extraction and
// returns the parsed TEI document.
func (c *Client) ProcessFulltext(ctx context.Context, pdf []byte) (*TEIDocument, error) {
	return c.processFulltext(ctx, bytes.NewReader(pdf))
}

// ProcessFulltextFile streams a PDF file through full-text extraction
// without buffering it in memory.
func (c *Client) ProcessFulltextFile(ctx context.Context, path string) (*TEIDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("grobid: opening pdf: %w", err)
	}
	defer f.Close()
	return c.processFulltext(ctx, f)
}

func (c *Client) processFulltext(ctx context.Context, pdf io.Reader) (*TEIDocument, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("input", "paper.pdf")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, pdf); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processFulltextPath, pr)
	if err != nil {
		return nil, fmt.Errorf("grobid: creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grobid: executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("grobid: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProcessError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	doc, err := ParseTEI(raw)
	if err != nil {
		return nil, fmt.Errorf("grobid: parsing TEI: %w", err)
	}
	return doc, nil
}
