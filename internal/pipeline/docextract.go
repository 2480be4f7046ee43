package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/famfinance/pipeline/internal/extract"
	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

// DocExtract fetches the document's bytes and converts them to text.
// Unsupported MIME types are terminal content errors: the extraction is
// marked FAILED but the job completes, so the queue never retries an input
// that cannot be processed.
func (p *Pipeline) DocExtract(ctx context.Context, payload DocTaskPayload) (Outcome, error) {
	ex, err := p.getExtraction(ctx, payload)
	if err != nil {
		return "", err
	}
	if ex.Status == models.ExtractionSucceeded {
		return OutcomeAlreadySucceeded, nil
	}

	if err := p.store.MarkExtractionProcessing(ctx, ex.ID, p.now()); err != nil {
		return "", retryable(codeStoreFailed, fmt.Errorf("mark processing: %w", err))
	}

	doc, err := p.store.GetDocument(ctx, payload.WorkspaceID, payload.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", terminal(codeDocumentNotFound, fmt.Errorf("document %s: %w", payload.DocumentID, err))
		}
		return "", retryable(codeStoreFailed, fmt.Errorf("get document: %w", err))
	}

	if err := p.blobs.EnsureBucket(ctx); err != nil {
		p.failExtraction(ctx, ex.ID, codeStorageUnavailable, err)
		return "", retryable(codeStorageUnavailable, err)
	}

	data, err := p.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		p.failExtraction(ctx, ex.ID, codeStorageGetFailed, err)
		return "", retryable(codeStorageGetFailed, fmt.Errorf("get %s: %w", doc.StorageKey, err))
	}

	text, err := p.extractor.Text(ctx, doc.MimeType, data)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedMime) {
			p.failExtraction(ctx, ex.ID, codeUnsupportedMime, err)
			p.logger.Warn("unsupported mime type",
				logger.String("documentId", doc.ID),
				logger.String("mimeType", doc.MimeType),
			)
			return OutcomeUnsupportedMime, nil
		}
		p.failExtraction(ctx, ex.ID, codeExtractFailed, err)
		return "", retryable(codeExtractFailed, err)
	}

	if err := p.store.MarkExtractionSucceeded(ctx, ex.ID, text, p.now()); err != nil {
		return "", retryable(codeStoreFailed, fmt.Errorf("mark succeeded: %w", err))
	}

	if err := p.queue.Enqueue(ctx, queue.TaskNormalize, NormalizeJobID(payload.DocumentID, payload.Engine), payload); err != nil {
		return "", retryable(codeEnqueueFailed, fmt.Errorf("enqueue normalize: %w", err))
	}

	p.logger.Info("document extracted",
		logger.String("documentId", doc.ID),
		logger.String("extractionId", ex.ID),
		logger.Int("textLen", len(text)),
	)
	return OutcomeSucceeded, nil
}

// getExtraction loads and sanity-checks the extraction for a document-lineage
// stage. A missing row or mismatched engine means the job was built wrong.
func (p *Pipeline) getExtraction(ctx context.Context, payload DocTaskPayload) (*models.Extraction, error) {
	ex, err := p.store.GetExtraction(ctx, payload.WorkspaceID, payload.DocumentID, payload.ExtractionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, terminal(codeExtractionNotFound, fmt.Errorf("extraction %s: %w", payload.ExtractionID, err))
		}
		return nil, retryable(codeStoreFailed, fmt.Errorf("get extraction: %w", err))
	}
	if ex.Engine != payload.Engine {
		return nil, terminal(codeEngineMismatch, fmt.Errorf("extraction %s has engine %q, payload wants %q", ex.ID, ex.Engine, payload.Engine))
	}
	return ex, nil
}

// failExtraction records a failure code best-effort; the StageError the
// caller raises is what drives the queue.
func (p *Pipeline) failExtraction(ctx context.Context, extractionID, code string, cause error) {
	if err := p.store.MarkExtractionFailed(ctx, extractionID, code, cause.Error(), p.now()); err != nil {
		p.logger.Error("failed to record extraction failure",
			logger.String("extractionId", extractionID),
			logger.String("code", code),
			logger.Error(err),
		)
	}
}
