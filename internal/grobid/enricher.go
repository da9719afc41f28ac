package grobid

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/pdf"
)

// Downloader fetches a PDF by URL, spooling it to a temporary file.
type Downloader interface {
	Download(ctx context.Context, url string) (*pdf.DownloadResult, error)
}

// Processor runs full-text extraction over a PDF file on disk.
type Processor interface {
	ProcessFulltextFile(ctx context.Context, path string) (*TEIDocument, error)
}

// EnricherConfig sets the concurrency gates of the enrichment pipeline.
//
// GROBID runs CPU-bound and falls over under concurrent load, so extraction
// requests default to one at a time. Downloads are network-bound and run
// wider. MaxLocalPDFs bounds how many downloaded PDFs may sit on disk
// waiting for the extraction gate.
type EnricherConfig struct {
	MaxRequests  int64
	MaxDownloads int64
	MaxLocalPDFs int64
}

func (c *EnricherConfig) applyDefaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 1
	}
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = 10
	}
	if c.MaxLocalPDFs <= 0 {
		c.MaxLocalPDFs = 100
	}
}

// Result is the enrichment outcome for one paper. The paper's download and
// extraction statuses are updated in place; References holds the
// bibliography when extraction succeeded.
type Result struct {
	Paper      *domain.PaperRecord
	References []domain.Citation
}

// Enricher downloads PDFs and runs them through GROBID, recording per-paper
// call statuses. Failures are recorded on the record and never abort the
// batch; only context cancellation stops it.
type Enricher struct {
	downloader Downloader
	processor  Processor

	requestGate  *semaphore.Weighted
	downloadGate *semaphore.Weighted
	localGate    *semaphore.Weighted

	logger zerolog.Logger
}

// NewEnricher creates an Enricher.
func NewEnricher(downloader Downloader, processor Processor, cfg EnricherConfig, logger zerolog.Logger) *Enricher {
	cfg.applyDefaults()
	return &Enricher{
		downloader:   downloader,
		processor:    processor,
		requestGate:  semaphore.NewWeighted(cfg.MaxRequests),
		downloadGate: semaphore.NewWeighted(cfg.MaxDownloads),
		localGate:    semaphore.NewWeighted(cfg.MaxLocalPDFs),
		logger:       logger.With().Str("component", "enricher").Logger(),
	}
}

// Enrich processes the papers concurrently, sending each result on the
// returned channel as its download and extraction finish, so callers can
// persist papers first-completed-first rather than waiting for the batch.
// The channel closes once every paper has been handled; the returned wait
// func reports context cancellation. Papers without a PDF URL get a 204
// download status.
func (e *Enricher) Enrich(ctx context.Context, papers []*domain.PaperRecord) (<-chan Result, func() error) {
	out := make(chan Result)

	g, gctx := errgroup.WithContext(ctx)
	for _, paper := range papers {
		g.Go(func() error {
			result, err := e.enrichOne(gctx, paper)
			if err != nil {
				return err
			}
			select {
			case out <- result:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	go func() {
		defer close(out)
		_ = g.Wait()
	}()

	return out, g.Wait
}

// enrichOne runs the download and extract steps for a single paper. The
// returned error is non-nil only for context cancellation.
func (e *Enricher) enrichOne(ctx context.Context, paper *domain.PaperRecord) (Result, error) {
	result := Result{Paper: paper}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	logger := observability.WithPaperContext(e.logger, paper.Title)

	if paper.PDFURL == "" {
		paper.Download = domain.FailedStatus(http.StatusNoContent, "no pdf url")
		return result, nil
	}

	if err := e.localGate.Acquire(ctx, 1); err != nil {
		return result, err
	}
	defer e.localGate.Release(1)

	path, err := e.download(ctx, paper)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger.Warn().Err(err).Int("status", paper.Download.Code).Msg("pdf download failed")
		return result, nil
	}
	defer func() { _ = os.Remove(path) }()
	paper.Download = domain.Succeeded(http.StatusOK)

	doc, err := e.process(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		paper.Extraction = extractionStatus(err)
		logger.Warn().Err(err).Int("status", paper.Extraction.Code).Msg("fulltext extraction failed")
		return result, nil
	}

	paper.Extraction = domain.Succeeded(http.StatusOK)
	now := time.Now().UTC()
	paper.TimeExtracted = &now
	if paper.Abstract == "" && doc.Abstract != "" {
		paper.Abstract = doc.Abstract
	}
	result.References = doc.References

	logger.Debug().Int("references", len(doc.References)).Msg("paper enriched")
	return result, nil
}

// download fetches the PDF to a temp file under the download gate and
// records the failure status on the record when it cannot.
func (e *Enricher) download(ctx context.Context, paper *domain.PaperRecord) (string, error) {
	if err := e.downloadGate.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.downloadGate.Release(1)

	result, err := e.downloader.Download(ctx, paper.PDFURL)
	if err != nil {
		paper.Download = downloadStatus(err)
		return "", err
	}
	return result.Path, nil
}

// process runs extraction under the request gate.
func (e *Enricher) process(ctx context.Context, path string) (*TEIDocument, error) {
	if err := e.requestGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.requestGate.Release(1)

	doc, err := e.processor.ProcessFulltextFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// downloadStatus maps a download error onto an HTTP-style call status.
func downloadStatus(err error) domain.CallStatus {
	var statusErr *pdf.StatusError
	switch {
	case errors.As(err, &statusErr):
		return domain.FailedStatus(statusErr.Code, "download failed")
	case errors.Is(err, pdf.ErrEmptyFile):
		return domain.FailedStatus(http.StatusNoContent, "no file data")
	case errors.Is(err, pdf.ErrInvalidFormat):
		return domain.FailedStatus(http.StatusUnsupportedMediaType, "invalid file format")
	case errors.Is(err, pdf.ErrTooLarge):
		return domain.FailedStatus(http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, pdf.ErrSSRF):
		return domain.FailedStatus(http.StatusForbidden, "blocked url")
	default:
		return domain.FailedStatus(http.StatusBadGateway, err.Error())
	}
}

// extractionStatus maps a processing error onto a call status.
func extractionStatus(err error) domain.CallStatus {
	var processErr *ProcessError
	if errors.As(err, &processErr) {
		return domain.FailedStatus(processErr.Code, processErr.Message)
	}
	return domain.FailedStatus(http.StatusBadGateway, err.Error())
}
