package domain

import (
	"strings"
	"unicode/utf8"
)

// MaxQueryRunes bounds the length of a user question.
const MaxQueryRunes = 2000

// NormalizeQuery trims the query and validates it. The trimmed text is
// returned so callers embed exactly what was validated.
func NormalizeQuery(q string) (string, error) {
	text := strings.TrimSpace(q)
	if text == "" {
		return "", NewValidationError("query", q, ErrInvalidQuery)
	}
	if utf8.RuneCountInString(text) > MaxQueryRunes {
		// Keep the logged value short.
		return "", NewValidationError("query", string([]rune(text)[:32])+"...", ErrQueryTooLong)
	}
	if !utf8.ValidString(text) {
		return "", NewValidationError("query", "<invalid utf-8>", ErrInvalidQuery)
	}
	return text, nil
}
