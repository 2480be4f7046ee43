// Package extract converts document bytes into plain text by MIME type.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/famfinance/pipeline/pkg/logger"
)

// ErrUnsupportedMime marks MIME types the extractor has no converter for.
// This is a content error: the input itself is unprocessable and retrying
// cannot help.
var ErrUnsupportedMime = errors.New("unsupported mime type")

// Extractor dispatches on MIME type. text/* decodes directly; application/pdf
// goes through the PDF converter.
type Extractor struct {
	logger     logger.Logger
	maxWorkers int
}

func New(log logger.Logger) *Extractor {
	return &Extractor{
		logger:     log,
		maxWorkers: 4,
	}
}

// Text converts bytes to plain text, or ErrUnsupportedMime for anything that
// is neither text/* nor application/pdf.
func (e *Extractor) Text(ctx context.Context, mimeType string, data []byte) (string, error) {
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return string(data), nil
	case mimeType == "application/pdf":
		return e.pdfText(ctx, data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMime, mimeType)
	}
}

// pdfText extracts page text in parallel and joins it in page order.
func (e *Extractor) pdfText(ctx context.Context, data []byte) (string, error) {
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	pages := make([]string, numPages+1)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.maxWorkers)

	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			page := pdfReader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("pdf page %d: %w", pageNum, err)
			}

			mu.Lock()
			pages[pageNum] = text
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	e.logger.Debug("extracted pdf text",
		logger.Int("pages", numPages),
		logger.Int("bytes", len(data)),
	)

	// pages is indexed by page number, so joining preserves page order.
	nonEmpty := make([]string, 0, numPages)
	for _, p := range pages {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n"), nil
}
