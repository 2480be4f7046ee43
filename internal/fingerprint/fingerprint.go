// Package fingerprint derives the content-addressed identity of a
// transaction. Re-processing the same document must produce the same
// fingerprint so retries and manual re-triggers upsert instead of duplicating.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxNormalizedLen = 80

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize canonicalizes a free-text name: lowercased, runs of
// non-alphanumerics collapsed to single hyphens, truncated.
func Normalize(input string) string {
	s := strings.ToLower(input)
	s = nonAlnum.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "-")
	if len(s) > maxNormalizedLen {
		s = s[:maxNormalizedLen]
	}
	return s
}

// Transaction hashes the identity tuple of a parsed transaction. occurredAt
// participates as its ISO-8601 UTC instant, so equal dates hash equally no
// matter what timezone the parser ran in.
func Transaction(workspaceID string, occurredAt time.Time, amountCents int64, currency, merchantName, description string) string {
	parts := []string{
		workspaceID,
		occurredAt.UTC().Format(time.RFC3339),
		strconv.FormatInt(amountCents, 10),
		currency,
		Normalize(merchantName),
		Normalize(description),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
