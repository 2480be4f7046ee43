package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/famfinance/pipeline/internal/fingerprint"
	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

// TxUpsert materializes the normalized candidates as canonical transactions.
// The fingerprint makes re-delivery commutative: the same document processed
// twice upserts the same rows. One rollup job is fanned out per distinct
// (year, month, currency) touched.
func (p *Pipeline) TxUpsert(ctx context.Context, payload DocTaskPayload) (Outcome, error) {
	ex, err := p.getExtraction(ctx, payload)
	if err != nil {
		return "", err
	}

	normalized, err := models.DecodeNormalized(ex.NormalizedJSON)
	if err != nil {
		return "", terminal(codeBadNormalized, err)
	}
	if !normalized.OK {
		// A failed normalization is a recorded content error, not ours to
		// retry; skip without failing the job.
		return OutcomeSkippedNotNormalized, nil
	}

	type monthKey struct {
		Year     int
		Month    int
		Currency string
	}
	months := make(map[monthKey]struct{})

	for _, cand := range normalized.Transactions {
		currency := cand.Currency
		if currency == "" {
			currency = normalized.Currency
		}
		if currency == "" {
			currency = "EUR"
		}
		if cand.MerchantName == "" {
			return "", terminal(codeBadNormalized, fmt.Errorf("candidate without merchant name in extraction %s", ex.ID))
		}

		merchant, err := p.store.UpsertMerchant(ctx, payload.WorkspaceID, cand.MerchantName, fingerprint.Normalize(cand.MerchantName))
		if err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("upsert merchant: %w", err))
		}

		fp := fingerprint.Transaction(payload.WorkspaceID, cand.OccurredAt, cand.AmountCents, currency, cand.MerchantName, cand.Description)

		description := cand.Description
		tx := &models.Transaction{
			WorkspaceID:  payload.WorkspaceID,
			Source:       models.SourceUpload,
			OccurredAt:   cand.OccurredAt.UTC(),
			AmountCents:  cand.AmountCents,
			Currency:     currency,
			Description:  &description,
			MerchantID:   &merchant.ID,
			DocumentID:   &payload.DocumentID,
			ExtractionID: &payload.ExtractionID,
			Fingerprint:  fp,
		}
		if _, err := p.store.UpsertTransactionByFingerprint(ctx, tx); err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("upsert transaction: %w", err))
		}

		occurred := cand.OccurredAt.UTC()
		months[monthKey{Year: occurred.Year(), Month: int(occurred.Month()), Currency: currency}] = struct{}{}
	}

	keys := make([]monthKey, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Year != keys[j].Year {
			return keys[i].Year < keys[j].Year
		}
		if keys[i].Month != keys[j].Month {
			return keys[i].Month < keys[j].Month
		}
		return keys[i].Currency < keys[j].Currency
	})

	for _, k := range keys {
		rollup := RollupPayload{
			WorkspaceID: payload.WorkspaceID,
			Year:        k.Year,
			Month:       k.Month,
			Currency:    k.Currency,
		}
		jobID := RollupJobID(payload.WorkspaceID, k.Year, k.Month, k.Currency)
		if err := p.queue.Enqueue(ctx, queue.TaskRollupMonthly, jobID, rollup); err != nil {
			return "", retryable(codeEnqueueFailed, fmt.Errorf("enqueue rollup %s: %w", jobID, err))
		}
	}

	p.logger.Info("transactions upserted",
		logger.String("extractionId", ex.ID),
		logger.Int("transactions", len(normalized.Transactions)),
		logger.Int("rollupJobs", len(keys)),
	)
	return OutcomeUpserted, nil
}
