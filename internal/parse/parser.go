// Package parse turns extracted document text into candidate transactions.
// The rules are heuristic and tuned to bank-statement and receipt layouts;
// the contract is a best-effort decision boundary, not full recall.
package parse

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const maxMerchantLen = 120

// Candidate is one transaction extracted from the text.
type Candidate struct {
	OccurredAt   time.Time
	AmountCents  int64
	Currency     string
	MerchantName string
	Description  string
}

// Found reports which fields the parser managed to locate, recorded on
// failures so operators can see how close a document came.
type Found struct {
	Amount   bool `json:"amount"`
	Date     bool `json:"date"`
	Merchant bool `json:"merchant"`
}

// Result is the outcome of parsing one document's text.
type Result struct {
	OK         bool
	Currency   string
	Candidates []Candidate
	Reason     string
	Found      Found
}

var (
	// Running balances and footer totals look exactly like transactions;
	// lines carrying these words never become candidates.
	summaryRe = regexp.MustCompile(`(?i)\b(?:balance|total|subtotal|opening|closing)\b`)

	isoDateRe  = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	dmy4DateRe = regexp.MustCompile(`\b(\d{2})/(\d{2})/(20\d{2})\b`)
	dmy2DateRe = regexp.MustCompile(`\b(\d{2})/(\d{2})/(\d{2})\b`)

	totalLabelRe    = regexp.MustCompile(`(?i)\b(?:TOTAL|AMOUNT\s+PAID|AMOUNT|PAID)\b\s*[:=]?`)
	merchantLabelRe = regexp.MustCompile(`(?i)\b(?:MERCHANT|FROM)\b\s*[:=]\s*(.+)`)

	spaceRe = regexp.MustCompile(`\s+`)
)

// DetectCurrency scans for a currency keyword or symbol. First hit wins in
// EUR, USD, GBP priority; EUR is the default.
func DetectCurrency(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "EUR") || strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(upper, "USD") || strings.Contains(text, "$"):
		return "USD"
	case strings.Contains(upper, "GBP") || strings.Contains(text, "£"):
		return "GBP"
	}
	return "EUR"
}

// findDate extracts at most one date per string. ISO beats DD/MM/YYYY beats
// DD/MM/YY. Returns the matched substring so callers can strip it.
func findDate(s string) (time.Time, string, bool) {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeDate(m[1], m[2], m[3]); ok {
			return t, m[0], true
		}
	}
	if m := dmy4DateRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeDate(m[3], m[2], m[1]); ok {
			return t, m[0], true
		}
	}
	if m := dmy2DateRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeDate("20"+m[3], m[2], m[1]); ok {
			return t, m[0], true
		}
	}
	return time.Time{}, "", false
}

func makeDate(year, month, day string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02", fmt.Sprintf("%s-%s-%s", year, month, day))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Document parses extracted text into zero or more candidates. The per-line
// pass handles statement layouts; when it finds nothing, a whole-text
// fallback handles single-receipt layouts.
func Document(text string) *Result {
	currency := DetectCurrency(text)

	lines := splitLines(text)
	seen := make(map[string]bool)
	var candidates []Candidate

	// pending holds a date-only line so a date and its amount split across
	// two physical lines (wrapped PDF text) still pair up.
	pending := ""
	for _, line := range lines {
		if summaryRe.MatchString(line) {
			continue
		}

		_, _, hasDate := findDate(line)
		amounts := findAmounts(line)

		switch {
		case hasDate && len(amounts) > 0:
			pending = ""
			if c, ok := lineCandidate(line, currency); ok {
				addCandidate(&candidates, seen, c)
			}
		case hasDate:
			pending = line
		case len(amounts) > 0 && pending != "":
			combined := pending + " " + line
			pending = ""
			if c, ok := lineCandidate(combined, currency); ok {
				addCandidate(&candidates, seen, c)
			}
		default:
			pending = ""
		}
	}

	if len(candidates) > 0 {
		return &Result{
			OK:         true,
			Currency:   currency,
			Candidates: candidates,
			Found:      Found{Amount: true, Date: true, Merchant: true},
		}
	}

	return fallbackDocument(text, lines, currency)
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// lineCandidate builds a candidate from a line known to hold a date and at
// least one amount. The last non-zero amount is taken as the transaction
// total; trailing amounts are conventionally the total rather than an
// earlier fee or subtotal.
func lineCandidate(line, currency string) (Candidate, bool) {
	occurredAt, dateStr, ok := findDate(line)
	if !ok {
		return Candidate{}, false
	}

	amounts := findAmounts(line)
	var chosen *moneyToken
	for i := range amounts {
		if amounts[i].cents != 0 {
			chosen = &amounts[i]
		}
	}
	if chosen == nil {
		return Candidate{}, false
	}

	desc := strings.Replace(line, dateStr, " ", 1)
	desc = strings.Replace(desc, chosen.raw, " ", 1)
	desc = cleanFragment(desc)

	merchant := cleanFragment(summaryRe.ReplaceAllString(desc, " "))
	if len(merchant) > maxMerchantLen {
		merchant = strings.TrimSpace(merchant[:maxMerchantLen])
	}
	if !hasLetter(merchant) {
		return Candidate{}, false
	}

	return Candidate{
		OccurredAt:   occurredAt,
		AmountCents:  chosen.cents,
		Currency:     currency,
		MerchantName: merchant,
		Description:  desc,
	}, true
}

// addCandidate dedupes within a document: repeated headers and footers in
// PDF text repeat identical lines.
func addCandidate(candidates *[]Candidate, seen map[string]bool, c Candidate) {
	key := fmt.Sprintf("%s|%d|%s|%s",
		c.OccurredAt.Format("2006-01-02"), c.AmountCents, c.Currency, strings.ToLower(c.MerchantName))
	if seen[key] {
		return
	}
	seen[key] = true
	*candidates = append(*candidates, c)
}

// fallbackDocument is the single-transaction heuristic for receipts: one
// labeled total, one date, and a merchant guess anywhere in the text.
func fallbackDocument(text string, lines []string, currency string) *Result {
	found := Found{}

	var amountCents int64
	for _, line := range lines {
		loc := totalLabelRe.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if toks := findAmounts(line[loc[1]:]); len(toks) > 0 {
			amountCents = toks[0].cents
			found.Amount = true
			break
		}
	}
	if !found.Amount {
		// No labeled figure; accept a currency-annotated amount from any
		// non-summary line. Balances and footer totals stay excluded here
		// just as they are in the per-line pass.
		for _, line := range lines {
			if summaryRe.MatchString(line) {
				continue
			}
			for _, tok := range findAmounts(line) {
				if currencyMarkRe.MatchString(tok.raw) {
					amountCents = tok.cents
					found.Amount = true
					break
				}
			}
			if found.Amount {
				break
			}
		}
	}

	occurredAt, _, hasDate := findDate(text)
	found.Date = hasDate

	merchant := ""
	if m := merchantLabelRe.FindStringSubmatch(text); m != nil {
		merchant = strings.TrimSpace(m[1])
	} else if len(lines) > 0 {
		merchant = lines[0]
	}
	if idx := strings.IndexAny(merchant, "\r\n"); idx >= 0 {
		merchant = strings.TrimSpace(merchant[:idx])
	}
	if len(merchant) > maxMerchantLen {
		merchant = strings.TrimSpace(merchant[:maxMerchantLen])
	}
	found.Merchant = hasLetter(merchant)

	if !found.Amount || !found.Date || !found.Merchant {
		return &Result{OK: false, Currency: currency, Reason: "no_transactions", Found: found}
	}

	return &Result{
		OK:       true,
		Currency: currency,
		Candidates: []Candidate{{
			OccurredAt:   occurredAt,
			AmountCents:  amountCents,
			Currency:     currency,
			MerchantName: merchant,
			Description:  merchant,
		}},
		Found: found,
	}
}

func cleanFragment(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " -–|:;,.")
	return strings.TrimSpace(s)
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
