// Package pdf downloads full-text PDFs for extraction.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Sentinel errors for download outcomes. The enricher maps these onto the
// download status of a paper record.
var (
	// ErrEmptyFile is returned when the server responds with no body.
	ErrEmptyFile = errors.New("pdf: empty file")
	// ErrInvalidFormat is returned when the payload is not a PDF.
	ErrInvalidFormat = errors.New("pdf: not a pdf file")
	// ErrTooLarge is returned when the file exceeds the maximum allowed size.
	ErrTooLarge = errors.New("pdf: file exceeds maximum size")
	// ErrDownloadFailed is returned on network failures.
	ErrDownloadFailed = errors.New("pdf: download failed")
	// ErrSSRF is returned when the URL resolves to a private network address.
	ErrSSRF = errors.New("pdf: request to private network denied")
)

// pdfMagic is the file signature every PDF starts with.
var pdfMagic = []byte("%PDF-")

// StatusError reports a non-2xx HTTP response from the host serving the PDF.
type StatusError struct {
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("pdf: download returned status %d", e.Code)
}

// Unwrap returns ErrDownloadFailed for use with errors.Is.
func (e *StatusError) Unwrap() error { return ErrDownloadFailed }

// DownloadResult holds a downloaded PDF spooled to a temporary file. The
// caller owns the file and removes it once extraction is done.
type DownloadResult struct {
	// Path is the temporary file holding the PDF.
	Path string
	// SizeBytes is the size of the file.
	SizeBytes int64
}

// Config holds downloader configuration.
type Config struct {
	// Timeout is the HTTP request timeout. Default 60 seconds.
	Timeout time.Duration
	// MaxSize is the maximum file size in bytes. Default 100MB.
	MaxSize int64
	// UserAgent is the User-Agent header.
	UserAgent string
	// TempDir is where downloads are spooled. Default is the system temp
	// directory.
	TempDir string
	// AllowPrivateNetworks disables the SSRF private-IP checks. Test
	// environments only.
	AllowPrivateNetworks bool
}

// Downloader fetches PDFs from open-access URLs. Publishers serve PDFs from
// arbitrary hosts, so every request and redirect target is checked against
// private address ranges.
type Downloader struct {
	client               *http.Client
	maxSize              int64
	userAgent            string
	tempDir              string
	allowPrivateNetworks bool
}

// NewDownloader creates a Downloader with the given configuration.
func NewDownloader(cfg Config) *Downloader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 100 * 1024 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; snowsearch/1.0)"
	}

	d := &Downloader{
		maxSize:              cfg.MaxSize,
		userAgent:            cfg.UserAgent,
		tempDir:              cfg.TempDir,
		allowPrivateNetworks: cfg.AllowPrivateNetworks,
	}

	d.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("%w: too many redirects", ErrSSRF)
			}
			if !d.allowPrivateNetworks {
				if err := validateURLNotPrivate(req.URL.String()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	return d
}

// Download fetches the PDF at the given URL and streams it to a temporary
// file. The file is removed on every failure path; on success the caller
// removes it once extraction is done.
//
// Returns a StatusError for non-2xx responses, ErrEmptyFile for an empty
// body, ErrInvalidFormat when the payload lacks the %PDF- signature,
// ErrTooLarge past the size cap, and ErrSSRF for private network targets.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*DownloadResult, error) {
	if !d.allowPrivateNetworks {
		if err := validateURLNotPrivate(rawURL); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/pdf, */*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	f, err := os.CreateTemp(d.tempDir, "snowsearch-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %w", ErrDownloadFailed, err)
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	// Copy one extra byte past the cap to detect oversized files.
	size, err := io.Copy(f, io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		discard()
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}

	if size == 0 {
		discard()
		return nil, ErrEmptyFile
	}
	if size > d.maxSize {
		discard()
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, d.maxSize)
	}

	// Publishers routinely serve HTML paywalls with a 200 status from URLs
	// that claim to be PDFs, so trust the file signature over headers.
	header := make([]byte, len(pdfMagic))
	if _, err := f.ReadAt(header, 0); err != nil || !bytes.Equal(header, pdfMagic) {
		discard()
		return nil, ErrInvalidFormat
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("%w: closing temp file: %w", ErrDownloadFailed, err)
	}

	return &DownloadResult{
		Path:      f.Name(),
		SizeBytes: size,
	}, nil
}

// isPrivateIP reports whether the IP is in a private, loopback, or otherwise
// non-routable range, for both IPv4 and IPv6.
func isPrivateIP(ip net.IP) bool {
	privateRanges := []struct{ start, end net.IP }{
		{net.ParseIP("10.0.0.0"), net.ParseIP("10.255.255.255")},
		{net.ParseIP("172.16.0.0"), net.ParseIP("172.31.255.255")},
		{net.ParseIP("192.168.0.0"), net.ParseIP("192.168.255.255")},
		{net.ParseIP("169.254.0.0"), net.ParseIP("169.254.255.255")},
		{net.ParseIP("fc00::"), net.ParseIP("fdff:ffff:ffff:ffff:ffff:ffff:ffff:ffff")},
		{net.ParseIP("fe80::"), net.ParseIP("febf:ffff:ffff:ffff:ffff:ffff:ffff:ffff")},
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, r := range privateRanges {
		if bytesInRange(ip.To16(), r.start.To16(), r.end.To16()) {
			return true
		}
	}
	return false
}

func bytesInRange(ip, lo, hi []byte) bool {
	for i := range ip {
		if ip[i] < lo[i] {
			return false
		}
		if ip[i] > hi[i] {
			return false
		}
	}
	return true
}

// validateURLNotPrivate resolves the hostname and rejects private IPs and
// non-HTTP schemes.
func validateURLNotPrivate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSRF, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, parsed.Scheme)
	}

	host := parsed.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: DNS lookup failed for %s: %w", ErrDownloadFailed, host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrSSRF, host, ipStr)
		}
	}
	return nil
}
