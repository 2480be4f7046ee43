package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNormalizedV1(t *testing.T) {
	in := NormalizedResult{
		OK:       true,
		Version:  NormalizedVersion,
		Currency: "EUR",
		Transactions: []NormalizedTransaction{
			{
				OccurredAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				AmountCents:  450,
				Currency:     "EUR",
				MerchantName: "ACME Coffee",
				Description:  "ACME Coffee",
			},
		},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := DecodeNormalized(raw)
	require.NoError(t, err)
	assert.Equal(t, &in, out)
}

func TestDecodeNormalizedV1Failure(t *testing.T) {
	raw := json.RawMessage(`{"ok":false,"reason":"no_transactions","found":{"amount":false,"date":true,"merchant":true}}`)

	out, err := DecodeNormalized(raw)
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "no_transactions", out.Reason)
	assert.Empty(t, out.Transactions)
}

func TestDecodeNormalizedLegacy(t *testing.T) {
	raw := json.RawMessage(`{"ok":true,"merchantName":"Acme","occurredAt":"2024-01-15T00:00:00Z","amountCents":1250}`)

	out, err := DecodeNormalized(raw)
	require.NoError(t, err)
	require.True(t, out.OK)
	assert.Equal(t, 0, out.Version)
	assert.Equal(t, "EUR", out.Currency)
	require.Len(t, out.Transactions, 1)

	tx := out.Transactions[0]
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), tx.OccurredAt)
	assert.Equal(t, int64(1250), tx.AmountCents)
	assert.Equal(t, "EUR", tx.Currency)
	assert.Equal(t, "Acme", tx.MerchantName)
	assert.Equal(t, "Acme", tx.Description)
}

func TestDecodeNormalizedLegacyKeepsCurrency(t *testing.T) {
	raw := json.RawMessage(`{"ok":true,"merchantName":"Acme","occurredAt":"2024-01-15T00:00:00Z","amountCents":1250,"currency":"USD"}`)

	out, err := DecodeNormalized(raw)
	require.NoError(t, err)
	assert.Equal(t, "USD", out.Currency)
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, "USD", out.Transactions[0].Currency)
}

func TestDecodeNormalizedLegacyFailure(t *testing.T) {
	raw := json.RawMessage(`{"ok":false,"reason":"no_amount"}`)

	out, err := DecodeNormalized(raw)
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "no_amount", out.Reason)
}

func TestDecodeNormalizedLegacyBadDate(t *testing.T) {
	raw := json.RawMessage(`{"ok":true,"merchantName":"Acme","occurredAt":"15/01/2024","amountCents":1250}`)

	_, err := DecodeNormalized(raw)
	assert.Error(t, err)
}

func TestDecodeNormalizedEmpty(t *testing.T) {
	out, err := DecodeNormalized(nil)
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "empty", out.Reason)
}

func TestDecodeNormalizedInvalidJSON(t *testing.T) {
	_, err := DecodeNormalized(json.RawMessage(`{not json`))
	assert.Error(t, err)
}
