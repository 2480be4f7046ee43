package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDetectCurrency(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"eur keyword", "Paid 10.00 EUR", "EUR"},
		{"euro symbol", "Paid €10.00", "EUR"},
		{"usd symbol", "Paid $5.00", "USD"},
		{"gbp symbol", "Paid £3.00", "GBP"},
		{"eur wins over usd", "10 EUR or $10", "EUR"},
		{"default eur", "no currency here", "EUR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCurrency(tt.text))
		})
	}
}

func TestFindAmounts(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []int64
	}{
		{"decimal", "coffee 4.50", []int64{450}},
		{"annotated integer", "fee EUR 7", []int64{700}},
		{"bare integer ignored", "ref 12345", nil},
		{"dot thousands comma decimal", "total 1.234,56", []int64{123456}},
		{"comma thousands dot decimal", "total 1,234.56", []int64{123456}},
		{"leading minus", "refund -5.00", []int64{-500}},
		{"parentheses negative", "refund (5.00)", []int64{-500}},
		{"symbol before", "€12.99", []int64{1299}},
		{"multiple", "fee 1.00 total 2.50", []int64{100, 250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toks := findAmounts(tt.line)
			got := make([]int64, 0, len(toks))
			for _, tok := range toks {
				got = append(got, tok.cents)
			}
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDocumentStatement(t *testing.T) {
	text := `Account Statement
2024-03-01 ACME Coffee 4.50 EUR
2024-03-02 MegaMart 1.234,56
Closing Balance 2,000.00`

	res := Document(text)
	require.True(t, res.OK)
	assert.Equal(t, "EUR", res.Currency)
	require.Len(t, res.Candidates, 2)

	assert.Equal(t, date(2024, 3, 1), res.Candidates[0].OccurredAt)
	assert.Equal(t, int64(450), res.Candidates[0].AmountCents)
	assert.Equal(t, "ACME Coffee", res.Candidates[0].MerchantName)

	assert.Equal(t, date(2024, 3, 2), res.Candidates[1].OccurredAt)
	assert.Equal(t, int64(123456), res.Candidates[1].AmountCents)
	assert.Equal(t, "MegaMart", res.Candidates[1].MerchantName)
}

func TestDocumentSlashDates(t *testing.T) {
	res := Document("01/02/2024 Acme 10.00")
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, date(2024, 2, 1), res.Candidates[0].OccurredAt)

	res = Document("01/02/24 Acme 10.00")
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, date(2024, 2, 1), res.Candidates[0].OccurredAt)
}

func TestDocumentPendingLine(t *testing.T) {
	// Wrapped PDF text: date and amount end up on adjacent lines.
	text := "2024-03-02\nNetflix Subscription 12.99"

	res := Document(text)
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, date(2024, 3, 2), res.Candidates[0].OccurredAt)
	assert.Equal(t, int64(1299), res.Candidates[0].AmountCents)
	assert.Equal(t, "Netflix Subscription", res.Candidates[0].MerchantName)
}

func TestDocumentLastNonZeroAmountWins(t *testing.T) {
	res := Document("2024-03-01 Store fee 1.00 item 3.50 0.00")
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, int64(350), res.Candidates[0].AmountCents)
}

func TestDocumentDedupesRepeatedLines(t *testing.T) {
	text := `2024-03-01 ACME Coffee 4.50
2024-03-01 ACME Coffee 4.50`

	res := Document(text)
	require.True(t, res.OK)
	assert.Len(t, res.Candidates, 1)
}

func TestDocumentNegativeAmount(t *testing.T) {
	res := Document("2024-03-01 Refund Shop -5.00")
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, int64(-500), res.Candidates[0].AmountCents)
}

func TestDocumentReceiptFallback(t *testing.T) {
	text := `CoffeeShop Ltd
2024-01-15
TOTAL: 12.50 EUR`

	res := Document(text)
	require.True(t, res.OK)
	assert.Equal(t, "EUR", res.Currency)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "CoffeeShop Ltd", res.Candidates[0].MerchantName)
	assert.Equal(t, int64(1250), res.Candidates[0].AmountCents)
	assert.Equal(t, date(2024, 1, 15), res.Candidates[0].OccurredAt)
}

func TestDocumentMerchantLabelFallback(t *testing.T) {
	text := `Receipt 2024-02-10
MERCHANT: Corner Bakery
AMOUNT PAID 8.20`

	res := Document(text)
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "Corner Bakery", res.Candidates[0].MerchantName)
	assert.Equal(t, int64(820), res.Candidates[0].AmountCents)
}

func TestDocumentFallbackIgnoresSummaryAmounts(t *testing.T) {
	text := `CoffeeShop Ltd
2024-01-15
Closing Balance EUR 500.00`

	res := Document(text)
	assert.False(t, res.OK)
	assert.Equal(t, "no_transactions", res.Reason)
	assert.False(t, res.Found.Amount)
	assert.True(t, res.Found.Date)
	assert.True(t, res.Found.Merchant)
}

func TestDocumentFallbackPrefersNonSummaryAmount(t *testing.T) {
	text := `CoffeeShop Ltd
Closing Balance EUR 500.00
Charged EUR 12.50
Visit date 2024-01-15`

	res := Document(text)
	require.True(t, res.OK)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, int64(1250), res.Candidates[0].AmountCents)
	assert.Equal(t, "CoffeeShop Ltd", res.Candidates[0].MerchantName)
	assert.Equal(t, date(2024, 1, 15), res.Candidates[0].OccurredAt)
}

func TestDocumentSummaryLinesNeverBecomeCandidates(t *testing.T) {
	res := Document("2024-03-01 Opening Balance 100.00")
	assert.False(t, res.OK)
	assert.Equal(t, "no_transactions", res.Reason)
}

func TestDocumentNoTransactions(t *testing.T) {
	res := Document("just some text without figures")
	require.False(t, res.OK)
	assert.Equal(t, "no_transactions", res.Reason)
	assert.False(t, res.Found.Amount)
	assert.False(t, res.Found.Date)
	assert.True(t, res.Found.Merchant)
}

func TestDocumentEmpty(t *testing.T) {
	res := Document("")
	assert.False(t, res.OK)
	assert.Equal(t, "no_transactions", res.Reason)
}
