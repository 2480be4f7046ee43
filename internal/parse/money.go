package parse

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// moneyToken is one amount-looking substring found on a line. raw keeps the
// exact matched text so callers can strip it from descriptions.
type moneyToken struct {
	raw   string
	cents int64
}

var (
	// A money token is a number optionally annotated with a currency code or
	// symbol on either side, optionally parenthesized or signed. Bare
	// integers are matched too and filtered out below unless annotated.
	moneyRe = regexp.MustCompile(`(?i)(?:(?:EUR|USD|GBP)\b|[€$£])?\s*\(?\s*-?\d+(?:[.,]\d{3})*(?:[.,]\d{1,2})?\s*\)?-?(?:\s*(?:(?:EUR|USD|GBP)\b|[€$£]))?`)

	currencyMarkRe = regexp.MustCompile(`(?i)(?:EUR|USD|GBP)|[€$£]`)
)

// findAmounts returns every plausible money token on a line, in order. A bare
// number only counts when it carries a decimal part or a currency annotation,
// which keeps dates, reference numbers and quantities out.
func findAmounts(line string) []moneyToken {
	matches := moneyRe.FindAllString(line, -1)
	tokens := make([]moneyToken, 0, len(matches))
	for _, m := range matches {
		trimmed := strings.TrimSpace(m)
		annotated := currencyMarkRe.MatchString(trimmed)
		hasDecimal := strings.ContainsAny(trimmed, ".,")
		if !annotated && !hasDecimal {
			continue
		}
		cents, ok := parseMoney(trimmed)
		if !ok {
			continue
		}
		tokens = append(tokens, moneyToken{raw: trimmed, cents: cents})
	}
	return tokens
}

// parseMoney converts one token to signed cents. Parentheses or a
// leading/trailing minus mean negative. Whichever of "." and "," appears last
// is the decimal point; the other is a thousands separator.
func parseMoney(raw string) (int64, bool) {
	s := currencyMarkRe.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)

	neg := strings.ContainsAny(s, "()")
	s = strings.Trim(s, "()")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimPrefix(s, "-")
	}
	if strings.HasSuffix(s, "-") {
		neg = true
		s = strings.TrimSuffix(s, "-")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	var whole, frac string
	switch {
	case lastDot < 0 && lastComma < 0:
		whole = s
	case lastDot > lastComma:
		whole = strings.NewReplacer(",", "", ".", "").Replace(s[:lastDot])
		frac = s[lastDot+1:]
	default:
		whole = strings.NewReplacer(".", "", ",", "").Replace(s[:lastComma])
		frac = s[lastComma+1:]
	}
	if whole == "" {
		whole = "0"
	}

	num := whole
	if frac != "" {
		num = whole + "." + frac
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}

	cents := int64(math.Round(value * 100))
	if neg {
		cents = -cents
	}
	return cents, true
}
