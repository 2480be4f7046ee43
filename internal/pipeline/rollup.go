package pipeline

import (
	"context"
	"fmt"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/pkg/logger"
)

// RollupMonthly recomputes the (workspace, year, month, currency) aggregate
// from scratch. Full overwrite, never a delta: a re-delivered or late job
// converges on the truth instead of compounding drift. A rollup that runs
// before a straggling upsert commits is stale until the next trigger for the
// same month. This is accepted eventual consistency: the deterministic job id
// coalesces pending triggers and every run re-reads the source rows.
func (p *Pipeline) RollupMonthly(ctx context.Context, payload RollupPayload) (Outcome, error) {
	txns, err := p.store.ListMonthTransactions(ctx, payload.WorkspaceID, payload.Year, payload.Month, payload.Currency)
	if err != nil {
		return "", retryable(codeStoreFailed, fmt.Errorf("list month transactions: %w", err))
	}

	var totalCents int64
	byMerchant := models.CentsByName{}
	byCategory := models.CentsByName{}

	for _, tx := range txns {
		totalCents += tx.AmountCents

		merchant := "Unknown"
		if tx.MerchantName != nil && *tx.MerchantName != "" {
			merchant = *tx.MerchantName
		}
		category := "Uncategorized"
		if tx.CategoryName != nil && *tx.CategoryName != "" {
			category = *tx.CategoryName
		}
		byMerchant[merchant] += tx.AmountCents
		byCategory[category] += tx.AmountCents
	}

	rollup := &models.MonthlyRollup{
		WorkspaceID: payload.WorkspaceID,
		Year:        payload.Year,
		Month:       payload.Month,
		Currency:    payload.Currency,
		TotalCents:  totalCents,
		ByMerchant:  byMerchant,
		ByCategory:  byCategory,
	}
	if err := p.store.UpsertMonthlyRollup(ctx, rollup); err != nil {
		return "", retryable(codeStoreFailed, fmt.Errorf("upsert rollup: %w", err))
	}

	p.logger.Info("monthly rollup recomputed",
		logger.String("workspaceId", payload.WorkspaceID),
		logger.Int("year", payload.Year),
		logger.Int("month", payload.Month),
		logger.String("currency", payload.Currency),
		logger.Int64("totalCents", totalCents),
		logger.Int("transactions", len(txns)),
	)
	return OutcomeRolledUp, nil
}
