package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NormalizedVersion is the current normalized payload shape. Version 0 is the
// legacy single-transaction shape written by early engine runs; both decode
// through DecodeNormalized.
const NormalizedVersion = 1

// NormalizedTransaction is one parsed candidate transaction.
type NormalizedTransaction struct {
	OccurredAt   time.Time `json:"occurredAt"`
	AmountCents  int64     `json:"amountCents"`
	Currency     string    `json:"currency"`
	MerchantName string    `json:"merchantName"`
	Description  string    `json:"description"`
}

// NormalizedResult is the tagged union stored as Extraction.NormalizedJSON.
// On success: {ok:true, version:1, currency, transactions:[...]}.
// On failure: {ok:false, reason, found:{...}}.
type NormalizedResult struct {
	OK           bool                    `json:"ok"`
	Version      int                     `json:"version,omitempty"`
	Currency     string                  `json:"currency,omitempty"`
	Transactions []NormalizedTransaction `json:"transactions,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	Found        map[string]bool         `json:"found,omitempty"`
}

// legacyNormalized is the pre-versioning single-transaction shape.
type legacyNormalized struct {
	OK           bool    `json:"ok"`
	MerchantName string  `json:"merchantName"`
	OccurredAt   string  `json:"occurredAt"`
	AmountCents  int64   `json:"amountCents"`
	Currency     string  `json:"currency"`
	Version      *int    `json:"version"`
	Reason       string  `json:"reason"`
	Transactions []any   `json:"transactions"`
}

// DecodeNormalized is the single place both normalized payload shapes are
// understood. Callers see the versioned form regardless of which one was
// stored.
func DecodeNormalized(raw json.RawMessage) (*NormalizedResult, error) {
	if len(raw) == 0 {
		return &NormalizedResult{OK: false, Reason: "empty"}, nil
	}

	var probe legacyNormalized
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode normalized payload: %w", err)
	}

	if probe.Version != nil || probe.Transactions != nil {
		var res NormalizedResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode normalized payload v%d: %w", NormalizedVersion, err)
		}
		return &res, nil
	}

	if !probe.OK {
		return &NormalizedResult{OK: false, Reason: probe.Reason}, nil
	}

	occurredAt, err := time.Parse(time.RFC3339, probe.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("decode legacy occurredAt %q: %w", probe.OccurredAt, err)
	}
	currency := probe.Currency
	if currency == "" {
		currency = "EUR"
	}
	return &NormalizedResult{
		OK:       true,
		Version:  0,
		Currency: currency,
		Transactions: []NormalizedTransaction{{
			OccurredAt:   occurredAt,
			AmountCents:  probe.AmountCents,
			Currency:     currency,
			MerchantName: probe.MerchantName,
			Description:  probe.MerchantName,
		}},
	}, nil
}
