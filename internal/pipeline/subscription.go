package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
)

const (
	detectWindowDays  = 180
	minOccurrences    = 3
	amountBucketCents = 50
)

type chargeGroup struct {
	merchantID   string
	merchantName string
	currency     string
	occurredAts  []time.Time
}

// DetectSubscriptions scans recent merchant transactions for recurring
// charges. Amounts are grouped in 50-cent buckets to absorb small fee
// variation; the cadence is classified from the last two gaps only, so an
// old irregular history does not mask a subscription that has settled into
// a rhythm.
func (p *Pipeline) DetectSubscriptions(ctx context.Context, payload SubscriptionDetectPayload) (Outcome, error) {
	since := p.now().AddDate(0, 0, -detectWindowDays)
	txns, err := p.store.ListMerchantTransactionsSince(ctx, payload.WorkspaceID, since)
	if err != nil {
		return "", retryable(codeStoreFailed, fmt.Errorf("list transactions: %w", err))
	}

	groups := make(map[string]*chargeGroup)
	order := make([]string, 0)
	for _, tx := range txns {
		if tx.MerchantID == nil {
			continue
		}
		bucket := int64(math.Round(float64(tx.AmountCents)/amountBucketCents)) * amountBucketCents
		key := fmt.Sprintf("%s|%s|%d", *tx.MerchantID, tx.Currency, bucket)

		g, ok := groups[key]
		if !ok {
			name := ""
			if tx.MerchantName != nil {
				name = *tx.MerchantName
			}
			g = &chargeGroup{
				merchantID:   *tx.MerchantID,
				merchantName: name,
				currency:     tx.Currency,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.occurredAts = append(g.occurredAts, tx.OccurredAt)
	}

	detected := 0
	for _, key := range order {
		g := groups[key]
		if len(g.occurredAts) < minOccurrences {
			continue
		}

		dates := append([]time.Time(nil), g.occurredAts...)
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

		deltas := make([]int, 0, len(dates)-1)
		for i := 1; i < len(dates); i++ {
			deltas = append(deltas, int(math.Round(dates[i].Sub(dates[i-1]).Hours()/24)))
		}
		if len(deltas) > 2 {
			deltas = deltas[len(deltas)-2:]
		}

		interval := classifyInterval(deltas)
		if interval == models.IntervalUnknown {
			continue
		}

		// Median over every same-merchant/currency transaction, not just the
		// bucketed group: resists skew from one-off surcharges.
		var amounts []int64
		for _, tx := range txns {
			if tx.MerchantID != nil && *tx.MerchantID == g.merchantID && tx.Currency == g.currency {
				amounts = append(amounts, tx.AmountCents)
			}
		}
		amountCents := medianCents(amounts)

		lastChargedAt := dates[len(dates)-1]
		nextDueAt := addInterval(lastChargedAt, interval)

		sub, err := p.store.FindActiveSubscription(ctx, payload.WorkspaceID, g.merchantID, g.currency)
		switch {
		case err == nil:
			sub.Name = g.merchantName
			sub.Interval = interval
			sub.AmountCents = amountCents
			sub.LastChargedAt = lastChargedAt
			sub.NextDueAt = nextDueAt
			sub.Active = true
		case errors.Is(err, store.ErrNotFound):
			sub = &models.Subscription{
				WorkspaceID:   payload.WorkspaceID,
				MerchantID:    g.merchantID,
				Name:          g.merchantName,
				Interval:      interval,
				AmountCents:   amountCents,
				Currency:      g.currency,
				LastChargedAt: lastChargedAt,
				NextDueAt:     nextDueAt,
				Active:        true,
			}
		default:
			return "", retryable(codeStoreFailed, fmt.Errorf("find subscription: %w", err))
		}

		if err := p.store.SaveSubscription(ctx, sub); err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("save subscription: %w", err))
		}
		detected++
	}

	p.logger.Info("subscription detection finished",
		logger.String("workspaceId", payload.WorkspaceID),
		logger.Int("groups", len(groups)),
		logger.Int("detected", detected),
	)
	return OutcomeDetected, nil
}

// classifyInterval accepts a cadence only when every delta sits inside the
// tolerance band: 7±2 weekly, 30±7 monthly, 365±30 yearly.
func classifyInterval(deltas []int) models.SubscriptionInterval {
	within := func(target, tolerance int) bool {
		if len(deltas) == 0 {
			return false
		}
		for _, d := range deltas {
			diff := d - target
			if diff < 0 {
				diff = -diff
			}
			if diff > tolerance {
				return false
			}
		}
		return true
	}

	switch {
	case within(7, 2):
		return models.IntervalWeekly
	case within(30, 7):
		return models.IntervalMonthly
	case within(365, 30):
		return models.IntervalYearly
	}
	return models.IntervalUnknown
}

func medianCents(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return int64(math.Round(float64(sorted[mid-1]+sorted[mid]) / 2))
}

func addInterval(t time.Time, interval models.SubscriptionInterval) *time.Time {
	var next time.Time
	switch interval {
	case models.IntervalWeekly:
		next = t.AddDate(0, 0, 7)
	case models.IntervalMonthly:
		next = t.AddDate(0, 1, 0)
	case models.IntervalYearly:
		next = t.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &next
}
