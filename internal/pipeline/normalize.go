package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/parse"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

// Normalize parses the extracted text into candidate transactions and stores
// them as the versioned normalized payload. Finding nothing parsable is a
// content error (NORMALIZE_FAILED), recorded and not retried.
func (p *Pipeline) Normalize(ctx context.Context, payload DocTaskPayload) (Outcome, error) {
	ex, err := p.getExtraction(ctx, payload)
	if err != nil {
		return "", err
	}
	if ex.Status != models.ExtractionSucceeded {
		return "", terminal(codeExtractionNotReady, fmt.Errorf("extraction %s is %s, want %s", ex.ID, ex.Status, models.ExtractionSucceeded))
	}

	text := ""
	if ex.ExtractedText != nil {
		text = *ex.ExtractedText
	}

	res := parse.Document(text)
	if !res.OK {
		failed := models.NormalizedResult{
			OK:     false,
			Reason: res.Reason,
			Found: map[string]bool{
				"amount":   res.Found.Amount,
				"date":     res.Found.Date,
				"merchant": res.Found.Merchant,
			},
		}
		if err := p.setNormalized(ctx, ex.ID, &failed); err != nil {
			return "", err
		}
		if err := p.store.MarkExtractionFailed(ctx, ex.ID, codeNormalizeFailed, res.Reason, p.now()); err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("mark failed: %w", err))
		}
		p.logger.Warn("no transactions parsed",
			logger.String("extractionId", ex.ID),
			logger.Bool("foundAmount", res.Found.Amount),
			logger.Bool("foundDate", res.Found.Date),
			logger.Bool("foundMerchant", res.Found.Merchant),
		)
		return OutcomeNormalizedPartial, nil
	}

	normalized := models.NormalizedResult{
		OK:           true,
		Version:      models.NormalizedVersion,
		Currency:     res.Currency,
		Transactions: make([]models.NormalizedTransaction, 0, len(res.Candidates)),
	}
	for _, c := range res.Candidates {
		normalized.Transactions = append(normalized.Transactions, models.NormalizedTransaction{
			OccurredAt:   c.OccurredAt,
			AmountCents:  c.AmountCents,
			Currency:     c.Currency,
			MerchantName: c.MerchantName,
			Description:  c.Description,
		})
	}
	if err := p.setNormalized(ctx, ex.ID, &normalized); err != nil {
		return "", err
	}

	if err := p.queue.Enqueue(ctx, queue.TaskTxUpsert, TxUpsertJobID(payload.DocumentID, payload.Engine), payload); err != nil {
		return "", retryable(codeEnqueueFailed, fmt.Errorf("enqueue tx_upsert: %w", err))
	}

	p.logger.Info("text normalized",
		logger.String("extractionId", ex.ID),
		logger.Int("transactions", len(normalized.Transactions)),
		logger.String("currency", normalized.Currency),
	)
	return OutcomeNormalized, nil
}

func (p *Pipeline) setNormalized(ctx context.Context, extractionID string, res *models.NormalizedResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return terminal(codeBadNormalized, fmt.Errorf("marshal normalized payload: %w", err))
	}
	if err := p.store.SetExtractionNormalized(ctx, extractionID, raw); err != nil {
		return retryable(codeStoreFailed, fmt.Errorf("store normalized payload: %w", err))
	}
	return nil
}
